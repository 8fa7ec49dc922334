package natsjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// DefaultStream is the stream that carries mailbox events.
const DefaultStream = "MAIL_EVENTS"

// Options configures the publisher.
type Options struct {
	URL    string
	Stream string
	MaxAge time.Duration
	Name   string
}

// StreamConfig returns the JetStream stream definition for opts.
func StreamConfig(opts Options) *nats.StreamConfig {
	name := opts.Stream
	if name == "" {
		name = DefaultStream
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	return &nats.StreamConfig{
		Name:       name,
		Subjects:   []string{"mail.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     maxAge,
	}
}

// Publisher wraps NATS JetStream for publishing mailbox events.
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream *nats.StreamConfig
}

// NewPublisher connects to NATS and opens a JetStream context.
func NewPublisher(opts Options) (*Publisher, error) {
	name := opts.Name
	if name == "" {
		name = "mailmirror"
	}
	log := logrus.WithFields(logrus.Fields{"component": "nats", "url": opts.URL})

	nc, err := nats.Connect(opts.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("disconnected")
			}
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			log.Info("reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js, stream: StreamConfig(opts)}, nil
}

// EnsureStream creates the event stream if it does not exist.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	info, err := p.js.StreamInfo(p.stream.Name, nats.Context(ctx))
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(p.stream, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish publishes an event with JetStream deduplication on msgID.
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
