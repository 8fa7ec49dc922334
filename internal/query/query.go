// Package query is the read path over the local mirror: listing, loading and
// label counts.
package query

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailmirror/internal/codec"
	"github.com/Martian-dev/mailmirror/internal/hooks"
	"github.com/Martian-dev/mailmirror/internal/index"
	"github.com/Martian-dev/mailmirror/internal/store"
	"github.com/Martian-dev/mailmirror/internal/sync"
)

// ErrNotFound is returned by Load for an unknown local id.
var ErrNotFound = errors.New("message not found")

// NoLimit lists every message.
const NoLimit = -1

// Store is the blob layer read by the query path.
type Store interface {
	Enumerate() ([]store.Entry, error)
	Read(id string) ([]byte, store.State, error)
}

// Index is the subset of the metadata index the query path needs.
type Index interface {
	IDsWithLabel(ctx context.Context, label string) (map[string]struct{}, error)
	HasLabel(ctx context.Context, localID, label string) (bool, error)
	UpsertMetadata(ctx context.Context, m index.Metadata) error
	LabelCounts(ctx context.Context, unreadLabel string) ([]index.LabelCount, error)
}

// Reader answers read queries against one mailbox.
type Reader struct {
	store       Store
	idx         Index
	remote      sync.LabelLister
	hooks       *hooks.Chain
	unreadLabel string
	log         *logrus.Entry
}

// New creates a reader. remote may be nil; Labels then reports local counts.
func New(st Store, idx Index, remote sync.LabelLister) *Reader {
	return &Reader{
		store:       st,
		idx:         idx,
		remote:      remote,
		unreadLabel: sync.LabelUnread,
		log:         logrus.WithField("component", "query"),
	}
}

// SetHooks installs the receive hooks applied by Load.
func (r *Reader) SetHooks(chain *hooks.Chain) {
	r.hooks = chain
}

// List returns up to count messages, newest first, optionally restricted to
// label. Messages without a parsable date come last. A negative count
// returns everything. Attachments are not decoded.
func (r *Reader) List(ctx context.Context, count int, label string) ([]*codec.Message, error) {
	var filter map[string]struct{}
	if label != "" {
		ids, err := r.idx.IDsWithLabel(ctx, label)
		if err != nil {
			return nil, err
		}
		filter = ids
	}

	entries, err := r.store.Enumerate()
	if err != nil {
		return nil, err
	}

	msgs := make([]*codec.Message, 0, len(entries))
	for _, e := range entries {
		if filter != nil {
			if _, ok := filter[e.ID]; !ok {
				continue
			}
		}
		msg := codec.Decode(e.Raw, e.ID, r.unread(ctx, e.ID, e.State), false)
		if err := r.idx.UpsertMetadata(ctx, sync.MetadataFor(msg)); err != nil {
			r.log.WithError(err).WithField("local_id", e.ID).Debug("failed to refresh metadata")
		}
		msgs = append(msgs, msg)
	}

	SortByDate(msgs)
	if count >= 0 && len(msgs) > count {
		msgs = msgs[:count]
	}
	return msgs, nil
}

// Load decodes a single message with its attachments. The body passes
// through the before_receive hooks; after_receive hooks see the result but
// cannot fail the load.
func (r *Reader) Load(ctx context.Context, id string) (*codec.Message, error) {
	raw, state, err := r.store.Read(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	msg := codec.Decode(raw, id, r.unread(ctx, id, state), true)

	body, err := r.hooks.Run(ctx, hooks.BeforeReceive, msg.Body)
	if err != nil {
		return nil, err
	}
	msg.Body = body
	if _, err := r.hooks.Run(ctx, hooks.AfterReceive, msg.Body); err != nil {
		r.log.WithError(err).WithField("local_id", id).Warn("after_receive hook failed")
	}
	return msg, nil
}

// Labels returns remote labels when the source can list them, and local
// label counts otherwise.
func (r *Reader) Labels(ctx context.Context) ([]sync.Label, error) {
	if r.remote != nil {
		labels, err := r.remote.ListLabels(ctx)
		if err == nil {
			return labels, nil
		}
		r.log.WithError(err).Warn("failed to list remote labels, using local counts")
	}

	counts, err := r.idx.LabelCounts(ctx, r.unreadLabel)
	if err != nil {
		return nil, err
	}
	labels := make([]sync.Label, 0, len(counts))
	for _, c := range counts {
		labels = append(labels, sync.Label{
			ID:             c.Label,
			Name:           c.Label,
			MessagesTotal:  int64(c.Total),
			MessagesUnread: int64(c.Unread),
		})
	}
	return labels, nil
}

// unread reports the unread label, falling back to the blob's placement.
func (r *Reader) unread(ctx context.Context, id string, state store.State) bool {
	ok, err := r.idx.HasLabel(ctx, id, r.unreadLabel)
	if err != nil {
		r.log.WithError(err).WithField("local_id", id).Debug("failed to read unread label")
		return state == store.Unseen
	}
	return ok
}

// SortByDate orders messages newest first. Messages without a parsable
// date keep their relative order after all dated ones.
func SortByDate(msgs []*codec.Message) {
	slices.SortStableFunc(msgs, func(a, b *codec.Message) int {
		switch {
		case a.HasDate() && b.HasDate():
			return b.Time.Compare(a.Time)
		case a.HasDate():
			return -1
		case b.HasDate():
			return 1
		}
		return 0
	})
}
