package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrUnknownMailbox is returned for a key no runner is registered under.
var ErrUnknownMailbox = errors.New("no mailbox registered")

// Manager owns the runners of every configured mailbox.
type Manager struct {
	mu      sync.RWMutex
	runners map[string]*Runner
	loops   map[string]*loop
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		runners: make(map[string]*Runner),
		loops:   make(map[string]*loop),
	}
}

// Key identifies a runner.
func Key(mailbox string, provider ProviderName) string {
	return fmt.Sprintf("%s:%s", mailbox, provider)
}

// Add registers r under its mailbox and provider.
func (m *Manager) Add(r *Runner) error {
	key := Key(r.Mailbox, r.Provider)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runners[key]; exists {
		return fmt.Errorf("mailbox %s already registered", key)
	}
	m.runners[key] = r
	return nil
}

// Runner returns the runner registered under key.
func (m *Manager) Runner(key string) (*Runner, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runners[key]
	return r, ok
}

// Keys lists registered runners in sorted order.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.runners))
	for k := range m.runners {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// SyncNow runs one pass for key in the caller's goroutine. It fails with
// ErrSyncInProgress if the background loop or another caller is mid-pass.
func (m *Manager) SyncNow(ctx context.Context, key string) (*Result, error) {
	r, ok := m.Runner(key)
	if !ok {
		return nil, fmt.Errorf("%w as %s", ErrUnknownMailbox, key)
	}
	return r.RunOnce(ctx)
}

// Start launches the background loop for key.
func (m *Manager) Start(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runners[key]
	if !ok {
		return fmt.Errorf("%w as %s", ErrUnknownMailbox, key)
	}
	if _, running := m.loops[key]; running {
		return fmt.Errorf("sync already running for %s", key)
	}

	runCtx, cancel := context.WithCancel(ctx)
	l := &loop{cancel: cancel, done: make(chan struct{})}
	m.loops[key] = l

	go func() {
		defer close(l.done)

		logrus.WithField("key", key).Info("sync start")
		if err := r.Run(runCtx); err != nil {
			logrus.WithError(err).WithField("key", key).Error("sync stopped with error")
		}

		m.mu.Lock()
		if m.loops[key] == l {
			delete(m.loops, key)
		}
		m.mu.Unlock()
		cancel()
		logrus.WithField("key", key).Info("sync stop")
	}()
	return nil
}

// Stop cancels the background loop for key and waits for it to exit.
func (m *Manager) Stop(key string) error {
	m.mu.Lock()
	l, ok := m.loops[key]
	if ok {
		delete(m.loops, key)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("no sync running for %s", key)
	}
	l.cancel()
	<-l.done
	return nil
}

// IsRunning reports whether the background loop for key is active.
func (m *Manager) IsRunning(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.loops[key]
	return ok
}

// StopAll cancels every background loop and waits for them to exit.
func (m *Manager) StopAll() {
	m.mu.Lock()
	loops := m.loops
	m.loops = make(map[string]*loop)
	m.mu.Unlock()

	for key, l := range loops {
		logrus.WithField("key", key).Info("stopping sync")
		l.cancel()
	}
	for _, l := range loops {
		<-l.done
	}
}
