// Package hooks runs message bodies through ordered, user-configured filters
// around sending and receiving.
package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Hook names the point at which a chain runs.
type Hook string

const (
	BeforeSend    Hook = "before_send"
	AfterSend     Hook = "after_send"
	BeforeReceive Hook = "before_receive"
	AfterReceive  Hook = "after_receive"
)

// All lists every hook in lifecycle order.
var All = []Hook{BeforeSend, AfterSend, BeforeReceive, AfterReceive}

// ParseHook validates a hook name.
func ParseHook(s string) (Hook, error) {
	for _, h := range All {
		if string(h) == s {
			return h, nil
		}
	}
	return "", fmt.Errorf("unknown hook %q", s)
}

// Func transforms a message body.
type Func func(ctx context.Context, body string) (string, error)

type entry struct {
	name string
	fn   Func
}

// Chain holds the ordered functions registered for each hook.
type Chain struct {
	mu    sync.RWMutex
	hooks map[Hook][]entry
}

// NewChain returns an empty chain.
func NewChain() *Chain {
	return &Chain{hooks: make(map[Hook][]entry)}
}

// Register appends fn to the functions run for h.
func (c *Chain) Register(h Hook, name string, fn Func) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[h] = append(c.hooks[h], entry{name: name, fn: fn})
}

// Names returns the registered function names for h, in run order.
func (c *Chain) Names(h Hook) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.hooks[h]))
	for _, e := range c.hooks[h] {
		names = append(names, e.name)
	}
	return names
}

// Run threads body through every function registered for h. The first
// failure stops the chain.
func (c *Chain) Run(ctx context.Context, h Hook, body string) (string, error) {
	if c == nil {
		return body, nil
	}

	c.mu.RLock()
	entries := append([]entry(nil), c.hooks[h]...)
	c.mu.RUnlock()

	for _, e := range entries {
		out, err := e.fn(ctx, body)
		if err != nil {
			return "", fmt.Errorf("hook %s/%s: %w", h, e.name, err)
		}
		logrus.WithFields(logrus.Fields{"hook": h, "name": e.name}).Trace("hook applied")
		body = out
	}
	return body, nil
}

// Signature appends a signature block.
func Signature(text string) Func {
	return func(_ context.Context, body string) (string, error) {
		return body + "\n\n--\n" + text, nil
	}
}

// Command pipes the body through an external program. The program reads the
// body on stdin and writes the replacement on stdout.
func Command(path string, args ...string) Func {
	return func(ctx context.Context, body string) (string, error) {
		cmd := exec.CommandContext(ctx, path, args...)
		cmd.Stdin = strings.NewReader(body)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return "", fmt.Errorf("%s: %w: %s", path, err, msg)
			}
			return "", fmt.Errorf("%s: %w", path, err)
		}
		return stdout.String(), nil
	}
}
