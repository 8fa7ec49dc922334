package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/bradenaw/juniper/xslices"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Martian-dev/mailmirror/internal/codec"
	"github.com/Martian-dev/mailmirror/internal/index"
	"github.com/Martian-dev/mailmirror/internal/store"
)

// DefaultPageSize is the listing page size used by full and smart sync.
const DefaultPageSize = 500

// Mode names the algorithm a pass ran.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
	ModeSmart       Mode = "smart"
)

// LocalStore is the blob layer the engine writes to.
type LocalStore interface {
	Store(raw []byte, unseen bool) (string, error)
	MoveToSeen(id string) error
	MoveToUnseen(id string) (string, error)
	Delete(id string) error
	WhichState(id string) (store.State, error)
}

// MetadataIndex is the subset of the index the engine needs.
type MetadataIndex interface {
	Cursor(ctx context.Context) (uint64, error)
	SetCursor(ctx context.Context, cursor uint64) error
	MappingCount(ctx context.Context) (int, error)
	MapIDs(ctx context.Context, remoteID, localID string) error
	Remap(ctx context.Context, remoteID, newLocalID string) (string, error)
	Unmap(ctx context.Context, remoteID string) (string, bool, error)
	LookupLocal(ctx context.Context, remoteID string) (string, bool, error)
	AllMappings(ctx context.Context) (map[string]string, error)
	UpsertMetadata(ctx context.Context, m index.Metadata) error
	SetLabels(ctx context.Context, localID string, labels []string) error
	AddLabels(ctx context.Context, localID string, labels ...string) error
	RemoveLabels(ctx context.Context, localID string, labels ...string) error
	EnqueueEvent(ctx context.Context, subject, eventType string, payload []byte, msgID string) error
}

// Options tunes an Engine. Zero values get defaults in NewEngine.
type Options struct {
	Mailbox     string
	Folder      string
	PageSize    int64
	Concurrency int
	RateLimit   float64
	Burst       int
	UnreadLabel string
	TrashLabels []string
	Events      bool
}

// Result summarizes one pass.
type Result struct {
	Mode    Mode   `json:"mode"`
	Added   int    `json:"added"`
	Deleted int    `json:"deleted"`
	Moved   int    `json:"moved"`
	Skipped int    `json:"skipped"`
	Cursor  uint64 `json:"cursor"`
}

// Engine mirrors one remote mailbox into a local store and index.
type Engine struct {
	src     Source
	local   LocalStore
	idx     MetadataIndex
	opts    Options
	limiter *rate.Limiter
	log     *logrus.Entry
}

// NewEngine builds an engine over src, local and idx.
func NewEngine(src Source, local LocalStore, idx MetadataIndex, opts Options) *Engine {
	if opts.Mailbox == "" {
		opts.Mailbox = "default"
	}
	if opts.Folder == "" {
		opts.Folder = LabelInbox
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.UnreadLabel == "" {
		opts.UnreadLabel = LabelUnread
	}
	if len(opts.TrashLabels) == 0 {
		opts.TrashLabels = []string{LabelTrash}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = opts.Concurrency
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &Engine{
		src:     src,
		local:   local,
		idx:     idx,
		opts:    opts,
		limiter: limiter,
		log:     logrus.WithFields(logrus.Fields{"component": "sync", "mailbox": opts.Mailbox}),
	}
}

// Sync runs one pass: full sync on a fresh mailbox, incremental otherwise.
// Incremental falls back to smart sync when the cursor is unusable.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	cursor, err := e.idx.Cursor(ctx)
	if err != nil {
		return nil, err
	}
	mapped, err := e.idx.MappingCount(ctx)
	if err != nil {
		return nil, err
	}

	if cursor == 0 && mapped == 0 {
		return e.FullSync(ctx)
	}
	return e.IncrementalSync(ctx, cursor)
}

// FullSync imports every message in the folder. The cursor is only written
// after the last page has been stored.
func (e *Engine) FullSync(ctx context.Context) (*Result, error) {
	res := &Result{Mode: ModeFull}
	e.log.Info("starting full sync")

	token := ""
	for page := 1; ; page++ {
		ids, next, err := e.src.ListIDs(ctx, e.opts.Folder, token, e.opts.PageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}

		msgs, err := e.fetchAll(ctx, ids, FormatRaw)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			stored, err := e.storeMessage(ctx, m)
			if err != nil {
				return nil, err
			}
			if stored {
				res.Added++
			}
		}

		e.log.WithFields(logrus.Fields{"page": page, "messages": len(ids)}).Debug("full sync page stored")
		if next == "" {
			break
		}
		token = next
	}

	if err := e.finish(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// IncrementalSync applies the remote history since cursor.
func (e *Engine) IncrementalSync(ctx context.Context, cursor uint64) (*Result, error) {
	if cursor == 0 {
		e.log.Info("no sync cursor, reconciling")
		return e.SmartSync(ctx)
	}

	delta, err := e.src.GetDelta(ctx, cursor)
	if errors.Is(err, ErrCursorExpired) {
		e.log.WithField("cursor", cursor).Info("sync cursor expired, reconciling")
		return e.SmartSync(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}

	res := &Result{Mode: ModeIncremental, Cursor: cursor}
	table := buildActions(delta.Records, e.opts.UnreadLabel, e.opts.TrashLabels)
	for _, remoteID := range table.order {
		if err := e.apply(ctx, remoteID, table.entries[remoteID], res); err != nil {
			return nil, err
		}
	}

	if delta.Cursor > cursor {
		if err := e.idx.SetCursor(ctx, delta.Cursor); err != nil {
			return nil, err
		}
		res.Cursor = delta.Cursor
	}

	e.log.WithFields(logrus.Fields{
		"records": len(delta.Records),
		"added":   res.Added,
		"deleted": res.Deleted,
		"moved":   res.Moved,
		"skipped": res.Skipped,
	}).Info("incremental sync complete")
	return res, nil
}

// SmartSync reconciles by comparing the full remote id set with the local
// mapping. It does not trust history, so it recovers from any cursor state.
func (e *Engine) SmartSync(ctx context.Context) (*Result, error) {
	res := &Result{Mode: ModeSmart}

	remote, err := e.listAll(ctx)
	if err != nil {
		return nil, err
	}
	local, err := e.idx.AllMappings(ctx)
	if err != nil {
		return nil, err
	}

	inRemote := make(map[string]struct{}, len(remote))
	for _, id := range remote {
		inRemote[id] = struct{}{}
	}
	isMapped := func(id string) bool {
		_, ok := local[id]
		return ok
	}

	toAdd := xslices.Filter(remote, func(id string) bool { return !isMapped(id) })
	toUpdate := xslices.Filter(remote, isMapped)
	var toDelete []string
	for id := range local {
		if _, ok := inRemote[id]; !ok {
			toDelete = append(toDelete, id)
		}
	}
	slices.Sort(toDelete)

	e.log.WithFields(logrus.Fields{
		"remote": len(remote),
		"local":  len(local),
		"add":    len(toAdd),
		"delete": len(toDelete),
		"update": len(toUpdate),
	}).Info("reconciling")

	for _, chunk := range xslices.Chunk(toAdd, int(e.opts.PageSize)) {
		msgs, err := e.fetchAll(ctx, chunk, FormatRaw)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			stored, err := e.storeMessage(ctx, m)
			if err != nil {
				return nil, err
			}
			if stored {
				res.Added++
			}
		}
	}

	for _, id := range toDelete {
		if err := e.deleteMessage(ctx, id); err != nil {
			return nil, err
		}
		res.Deleted++
	}

	for _, chunk := range xslices.Chunk(toUpdate, int(e.opts.PageSize)) {
		msgs, err := e.fetchAll(ctx, chunk, FormatMetadata)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			changed, err := e.reconcile(ctx, m, local[m.ID])
			if err != nil {
				return nil, err
			}
			if changed {
				res.Moved++
			}
		}
	}

	if err := e.finish(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// finish persists the remote's current cursor at the end of a full or smart pass.
func (e *Engine) finish(ctx context.Context, res *Result) error {
	cursor, err := e.src.CurrentCursor(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current cursor: %w", err)
	}
	if err := e.idx.SetCursor(ctx, cursor); err != nil {
		return err
	}
	res.Cursor = cursor

	e.log.WithFields(logrus.Fields{
		"mode":    res.Mode,
		"added":   res.Added,
		"deleted": res.Deleted,
		"moved":   res.Moved,
		"cursor":  cursor,
	}).Info("sync complete")
	return nil
}

// listAll pages through the folder and returns each remote id once, in
// listing order.
func (e *Engine) listAll(ctx context.Context) ([]string, error) {
	var ids []string
	seen := make(map[string]struct{})

	token := ""
	for {
		page, next, err := e.src.ListIDs(ctx, e.opts.Folder, token, e.opts.PageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}
		for _, id := range page {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		if next == "" {
			return ids, nil
		}
		token = next
	}
}

// fetchAll fetches ids concurrently. Any failure cancels the batch.
func (e *Engine) fetchAll(ctx context.Context, ids []string, format Format) ([]*RemoteMessage, error) {
	out := make([]*RemoteMessage, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			if err := e.limiter.Wait(gctx); err != nil {
				return err
			}
			m, err := e.src.GetMessage(gctx, id, format)
			if err != nil {
				return fmt.Errorf("failed to get message %s: %w", id, err)
			}
			if m.ID == "" {
				m.ID = id
			}
			out[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) isUnread(labels []string) bool {
	return slices.Contains(labels, e.opts.UnreadLabel)
}

// storeMessage writes a fetched message into the store and index. A message
// that is already mapped is reconciled in place instead of stored twice.
func (e *Engine) storeMessage(ctx context.Context, m *RemoteMessage) (bool, error) {
	localID, ok, err := e.idx.LookupLocal(ctx, m.ID)
	if err != nil {
		return false, err
	}
	if ok {
		_, err := e.reconcile(ctx, m, localID)
		return false, err
	}

	unread := e.isUnread(m.Labels)
	localID, err = e.local.Store(m.Raw, unread)
	if err != nil {
		return false, fmt.Errorf("failed to store message %s: %w", m.ID, err)
	}
	// The mapping goes in before labels; label rows reference it.
	if err := e.idx.MapIDs(ctx, m.ID, localID); err != nil {
		if derr := e.local.Delete(localID); derr != nil {
			e.log.WithError(derr).WithField("local_id", localID).Warn("failed to remove unmapped blob")
		}
		return false, err
	}

	e.setLabels(ctx, localID, m.Labels)
	e.cacheMetadata(ctx, localID, m.Raw)
	e.emit(ctx, EventStored, m.ID, localID, unread)
	return true, nil
}

// reconcile brings a mapped message in line with its remote labels. A
// mapped message whose blob has gone missing is fetched again.
func (e *Engine) reconcile(ctx context.Context, m *RemoteMessage, localID string) (bool, error) {
	want := e.isUnread(m.Labels)

	state, err := e.local.WhichState(localID)
	if errors.Is(err, store.ErrNotFound) {
		e.log.WithFields(logrus.Fields{"remote_id": m.ID, "local_id": localID}).Warn("local blob missing, fetching again")
		if _, _, err := e.idx.Unmap(ctx, m.ID); err != nil {
			return false, err
		}
		full := m
		if len(m.Raw) == 0 {
			full, err = e.src.GetMessage(ctx, m.ID, FormatRaw)
			if err != nil {
				return false, fmt.Errorf("failed to get message %s: %w", m.ID, err)
			}
			if full.ID == "" {
				full.ID = m.ID
			}
		}
		_, err = e.storeMessage(ctx, full)
		return true, err
	}
	if err != nil {
		return false, fmt.Errorf("failed to check state of %s: %w", localID, err)
	}

	changed := false
	if (state == store.Unseen) != want {
		localID, err = e.transition(ctx, m.ID, localID, want)
		if err != nil {
			return false, err
		}
		changed = true
	}
	e.setLabels(ctx, localID, m.Labels)
	return changed, nil
}

// transition moves a message between states and keeps the mapping pointed
// at the message. Moving to unseen re-delivers the blob under a new local
// id, so the mapping is rewritten in the same step.
func (e *Engine) transition(ctx context.Context, remoteID, localID string, toUnseen bool) (string, error) {
	if !toUnseen {
		if err := e.local.MoveToSeen(localID); err != nil {
			return "", fmt.Errorf("failed to mark %s seen: %w", localID, err)
		}
		if err := e.idx.RemoveLabels(ctx, localID, e.opts.UnreadLabel); err != nil {
			e.log.WithError(err).WithField("local_id", localID).Warn("failed to remove unread label")
		}
		e.emit(ctx, EventMoved, remoteID, localID, false)
		return localID, nil
	}

	newID, err := e.local.MoveToUnseen(localID)
	if err != nil {
		return "", fmt.Errorf("failed to mark %s unseen: %w", localID, err)
	}
	if newID != localID {
		if _, err := e.idx.Remap(ctx, remoteID, newID); err != nil {
			return "", err
		}
	}
	if err := e.idx.AddLabels(ctx, newID, e.opts.UnreadLabel); err != nil {
		e.log.WithError(err).WithField("local_id", newID).Warn("failed to add unread label")
	}
	e.emit(ctx, EventMoved, remoteID, newID, true)
	return newID, nil
}

// deleteMessage removes the blob and the mapping of remoteID.
func (e *Engine) deleteMessage(ctx context.Context, remoteID string) error {
	localID, ok, err := e.idx.LookupLocal(ctx, remoteID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if err := e.local.Delete(localID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to delete %s: %w", localID, err)
		}
		e.log.WithField("local_id", localID).Debug("blob already gone")
	}
	if _, _, err := e.idx.Unmap(ctx, remoteID); err != nil {
		return err
	}

	e.emit(ctx, EventDeleted, remoteID, localID, false)
	return nil
}

func (e *Engine) setLabels(ctx context.Context, localID string, labels []string) {
	if err := e.idx.SetLabels(ctx, localID, labels); err != nil {
		e.log.WithError(err).WithField("local_id", localID).Warn("failed to save labels")
	}
}

func (e *Engine) cacheMetadata(ctx context.Context, localID string, raw []byte) {
	msg := codec.Decode(raw, localID, false, false)
	if err := e.idx.UpsertMetadata(ctx, MetadataFor(msg)); err != nil {
		e.log.WithError(err).WithField("local_id", localID).Warn("failed to save metadata")
	}
}

// MetadataFor derives the cached sort metadata of a decoded message.
// Messages without a parsable date sort last with timestamp zero.
func MetadataFor(msg *codec.Message) index.Metadata {
	m := index.Metadata{
		LocalID: msg.ID,
		Subject: msg.Subject,
		Sender:  msg.From.Email,
	}
	if msg.HasDate() {
		m.Timestamp = msg.Time.Unix()
	}
	return m
}
