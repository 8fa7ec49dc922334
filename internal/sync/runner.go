package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailmirror/internal/index"
)

// ErrSyncInProgress is returned when a pass is requested for a mailbox that
// already has one running.
var ErrSyncInProgress = errors.New("sync already in progress")

// DefaultInterval is the delay between background passes.
const DefaultInterval = 30 * time.Second

// Publisher delivers outbox events.
type Publisher interface {
	EnsureStream(ctx context.Context) error
	Publish(subject string, payload []byte, msgID string) error
}

// StatusStore records pass status and holds the event outbox.
type StatusStore interface {
	UpdateSyncStatus(ctx context.Context, mailbox, status, mode, lastError string) error
	DequeueOutbox(ctx context.Context, limit int) ([]index.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
	PruneOutbox(ctx context.Context, age time.Duration) (int64, error)
}

// Runner drives an Engine for one mailbox.
type Runner struct {
	Mailbox   string
	Provider  ProviderName
	Engine    *Engine
	Status    StatusStore
	Publisher Publisher
	Interval  time.Duration

	mu sync.Mutex
}

// RunOnce runs a single pass and records its outcome.
func (r *Runner) RunOnce(ctx context.Context) (*Result, error) {
	if !r.mu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer r.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{"mailbox": r.Mailbox, "provider": r.Provider})
	r.setStatus(ctx, index.StatusSyncing, "", "")

	start := time.Now()
	res, err := r.Engine.Sync(ctx)
	if err != nil {
		r.setStatus(ctx, index.StatusError, "", err.Error())
		return nil, fmt.Errorf("sync failed: %w", err)
	}

	r.setStatus(ctx, index.StatusOK, string(res.Mode), "")
	log.WithFields(logrus.Fields{
		"mode":     res.Mode,
		"added":    res.Added,
		"deleted":  res.Deleted,
		"moved":    res.Moved,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("sync pass finished")
	return res, nil
}

func (r *Runner) setStatus(ctx context.Context, status, mode, lastError string) {
	if r.Status == nil {
		return
	}
	if err := r.Status.UpdateSyncStatus(ctx, r.Mailbox, status, mode, lastError); err != nil {
		logrus.WithError(err).WithField("mailbox", r.Mailbox).Warn("failed to save sync status")
	}
}

// Run syncs immediately and then on every tick until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	log := logrus.WithFields(logrus.Fields{"mailbox": r.Mailbox, "provider": r.Provider})

	if r.Publisher != nil && r.Status != nil {
		if err := r.Publisher.EnsureStream(ctx); err != nil {
			return fmt.Errorf("failed to ensure stream: %w", err)
		}
		var wg sync.WaitGroup
		defer wg.Wait()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.dispatchLoop(ctx)
		}()
	}

	if _, err := r.RunOnce(ctx); err != nil {
		log.WithError(err).Error("initial sync failed")
	}

	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("stopping sync")
			return nil
		case <-ticker.C:
			_, err := r.RunOnce(ctx)
			switch {
			case errors.Is(err, ErrSyncInProgress):
				log.Debug("previous pass still running, skipping tick")
			case err != nil:
				log.WithError(err).Error("sync failed")
			}
		}
	}
}

// DispatchOnce publishes up to limit due outbox entries and returns how many
// were delivered.
func (r *Runner) DispatchOnce(ctx context.Context, limit int) (int, error) {
	messages, err := r.Status.DequeueOutbox(ctx, limit)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, msg := range messages {
		if err := r.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			logrus.WithError(err).WithField("outbox_id", msg.ID).Warn("failed to publish event")
			if err := r.Status.MarkOutboxRetry(ctx, msg.ID, 10*time.Second); err != nil {
				logrus.WithError(err).WithField("outbox_id", msg.ID).Error("failed to schedule retry")
			}
			continue
		}
		if err := r.Status.MarkPublished(ctx, msg.ID); err != nil {
			logrus.WithError(err).WithField("outbox_id", msg.ID).Error("failed to mark published")
			continue
		}
		sent++
	}
	return sent, nil
}

// Published outbox rows older than this are pruned.
const outboxRetention = 24 * time.Hour

func (r *Runner) dispatchLoop(ctx context.Context) {
	lastPrune := time.Now()
	for {
		if time.Since(lastPrune) >= time.Hour {
			if n, err := r.Status.PruneOutbox(ctx, outboxRetention); err != nil {
				logrus.WithError(err).Warn("failed to prune outbox")
			} else if n > 0 {
				logrus.WithField("pruned", n).Debug("pruned outbox")
			}
			lastPrune = time.Now()
		}

		n, err := r.DispatchOnce(ctx, 100)
		if err != nil {
			logrus.WithError(err).Error("failed to dequeue outbox")
		}

		delay := 500 * time.Millisecond
		switch {
		case err != nil:
			delay = time.Second
		case n > 0:
			delay = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
