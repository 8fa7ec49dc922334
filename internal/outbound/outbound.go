// Package outbound composes and transmits messages through the configured
// backend, running the send hooks around transmission.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailmirror/internal/codec"
	"github.com/Martian-dev/mailmirror/internal/hooks"
	"github.com/Martian-dev/mailmirror/internal/sync"
)

var (
	// ErrInvalidDraft is returned when a draft is missing required fields
	// or has unparsable recipients.
	ErrInvalidDraft = errors.New("invalid draft")

	// ErrSendUnsupported is returned when the backend cannot transmit.
	ErrSendUnsupported = errors.New("backend does not support sending")
)

// Draft is a message to send.
type Draft struct {
	From        string            `json:"from,omitempty"`
	To          string            `json:"to" binding:"required"`
	Subject     string            `json:"subject" binding:"required"`
	Body        string            `json:"body" binding:"required"`
	Attachments []codec.Attachment `json:"attachments,omitempty"`
}

// Validate checks the required fields.
func (d Draft) Validate() error {
	var missing []string
	if strings.TrimSpace(d.To) == "" {
		missing = append(missing, "to")
	}
	if strings.TrimSpace(d.Subject) == "" {
		missing = append(missing, "subject")
	}
	if strings.TrimSpace(d.Body) == "" {
		missing = append(missing, "body")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidDraft, strings.Join(missing, ", "))
	}
	return nil
}

// Service sends drafts.
type Service struct {
	sender sync.Sender
	hooks  *hooks.Chain
	from   string
	now    func() time.Time
}

// New creates a send service. sender may be nil when the backend cannot
// send; chain may be nil when no hooks are configured.
func New(sender sync.Sender, chain *hooks.Chain, from string) *Service {
	return &Service{sender: sender, hooks: chain, from: from, now: time.Now}
}

// Send validates d, applies the before_send hooks to its body, encodes and
// transmits it, then notifies the after_send hooks. It returns the id
// assigned by the backend.
func (s *Service) Send(ctx context.Context, d Draft) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	if s.sender == nil {
		return "", ErrSendUnsupported
	}

	body, err := s.hooks.Run(ctx, hooks.BeforeSend, d.Body)
	if err != nil {
		return "", err
	}

	from := d.From
	if from == "" {
		from = s.from
	}
	now := s.now()
	raw, err := codec.Encode(&codec.Message{
		Subject:     d.Subject,
		From:        codec.ParseSender(from),
		To:          d.To,
		Date:        now.Format(time.RFC1123Z),
		Time:        now,
		Body:        body,
		MimeType:    codec.TextPlain,
		Attachments: d.Attachments,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}

	id, err := s.sender.Send(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}

	log := logrus.WithFields(logrus.Fields{"component": "outbound", "id": id, "to": d.To})
	if _, err := s.hooks.Run(ctx, hooks.AfterSend, body); err != nil {
		log.WithError(err).Warn("after_send hook failed")
	}
	log.Info("message sent")
	return id, nil
}
