package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types written to the outbox.
const (
	EventStored  = "message.stored"
	EventDeleted = "message.deleted"
	EventMoved   = "message.moved"
)

// Event is the payload published for every change to the local mirror.
type Event struct {
	EventID  string `json:"event_id"`
	Type     string `json:"type"`
	TS       int64  `json:"ts"`
	Mailbox  string `json:"mailbox"`
	RemoteID string `json:"remote_id"`
	LocalID  string `json:"local_id"`
	Unread   bool   `json:"unread"`
}

// Subject returns the subject an event type is published on for mailbox.
func Subject(mailbox, eventType string) string {
	return fmt.Sprintf("mail.%s.%s", subjectToken(mailbox), eventType)
}

// subjectToken makes a mailbox name safe to use as a single subject token.
func subjectToken(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
	if s == "" {
		return "_"
	}
	return s
}

// emit queues an event in the outbox. Failures are logged, never returned.
func (e *Engine) emit(ctx context.Context, eventType, remoteID, localID string, unread bool) {
	if !e.opts.Events {
		return
	}

	ev := Event{
		EventID:  uuid.NewString(),
		Type:     eventType,
		TS:       time.Now().Unix(),
		Mailbox:  e.opts.Mailbox,
		RemoteID: remoteID,
		LocalID:  localID,
		Unread:   unread,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		e.log.WithError(err).Warn("failed to encode event")
		return
	}

	msgID := fmt.Sprintf("%s|%s|%s|%s", eventType, e.opts.Mailbox, remoteID, localID)
	if err := e.idx.EnqueueEvent(ctx, Subject(e.opts.Mailbox, eventType), eventType, payload, msgID); err != nil {
		e.log.WithError(err).WithField("remote_id", remoteID).Warn("failed to enqueue event")
	}
}
