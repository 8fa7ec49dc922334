package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/Martian-dev/mailmirror/internal/index"
)

type recordingPublisher struct {
	fail     map[string]bool
	subjects []string
}

func (p *recordingPublisher) EnsureStream(context.Context) error { return nil }

func (p *recordingPublisher) Publish(subject string, _ []byte, msgID string) error {
	if p.fail[msgID] {
		return errors.New("nats unavailable")
	}
	p.subjects = append(p.subjects, subject)
	return nil
}

func newRunner(t *testing.T) (*Runner, *harness) {
	t.Helper()

	h := newHarness(t)
	return &Runner{
		Mailbox:   "test",
		Provider:  ProviderGoogle,
		Engine:    h.engine,
		Status:    h.idx,
		Publisher: &recordingPublisher{},
	}, h
}

func TestRunOnceRecordsStatus(t *testing.T) {
	r, h := newRunner(t)
	ctx := context.Background()

	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	st, err := h.idx.SyncStatus(ctx, "test")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != index.StatusOK || st.Mode != string(ModeFull) {
		t.Fatalf("status = %+v", st)
	}

	h.src.deltaErr = errors.New("network down")
	if _, err := r.RunOnce(ctx); err == nil {
		t.Fatal("expected error")
	}
	st, err = h.idx.SyncStatus(ctx, "test")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != index.StatusError || st.LastError == "" {
		t.Fatalf("status = %+v", st)
	}
}

func TestRunOnceRejectsConcurrentPass(t *testing.T) {
	r, _ := newRunner(t)

	r.mu.Lock()
	_, err := r.RunOnce(context.Background())
	r.mu.Unlock()

	if !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("err = %v, want ErrSyncInProgress", err)
	}
}

func TestDispatchOnce(t *testing.T) {
	r, h := newRunner(t)
	ctx := context.Background()
	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	pending, err := h.idx.DequeueOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	pub := r.Publisher.(*recordingPublisher)
	pub.fail = map[string]bool{pending[0].MsgID: true}

	sent, err := r.DispatchOnce(ctx, 10)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}

	// The failed entry is pushed into the future, the rest are published.
	left, err := h.idx.DequeueOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("%d entries still due", len(left))
	}
}

func TestManagerSyncNow(t *testing.T) {
	r, _ := newRunner(t)
	m := NewManager()
	if err := m.Add(r); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.Add(r); err == nil {
		t.Fatal("duplicate add should fail")
	}

	key := Key("test", ProviderGoogle)
	if keys := m.Keys(); len(keys) != 1 || keys[0] != key {
		t.Fatalf("keys = %v", keys)
	}

	res, err := m.SyncNow(context.Background(), key)
	if err != nil {
		t.Fatalf("sync now: %v", err)
	}
	if res.Mode != ModeFull {
		t.Fatalf("mode = %s", res.Mode)
	}

	if _, err := m.SyncNow(context.Background(), "nope:gmail"); err == nil {
		t.Fatal("unknown key should fail")
	}

	r.mu.Lock()
	_, err = m.SyncNow(context.Background(), key)
	r.mu.Unlock()
	if !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("err = %v, want ErrSyncInProgress", err)
	}
}

func TestManagerStartStop(t *testing.T) {
	r, _ := newRunner(t)
	r.Publisher = nil
	m := NewManager()
	if err := m.Add(r); err != nil {
		t.Fatalf("add: %v", err)
	}
	key := Key("test", ProviderGoogle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx, key); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !m.IsRunning(key) {
		t.Fatal("should be running")
	}
	if err := m.Start(ctx, key); err == nil {
		t.Fatal("second start should fail")
	}
	if err := m.Stop(key); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if m.IsRunning(key) {
		t.Fatal("should be stopped")
	}
	if err := m.Stop(key); err == nil {
		t.Fatal("stopping twice should fail")
	}
}

func TestManagerRestartAfterStop(t *testing.T) {
	r, _ := newRunner(t)
	r.Publisher = nil
	m := NewManager()
	if err := m.Add(r); err != nil {
		t.Fatalf("add: %v", err)
	}
	key := Key("test", ProviderGoogle)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := m.Start(ctx, key); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		if err := m.Stop(key); err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
	}

	if err := m.Start(ctx, key); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !m.IsRunning(key) {
		t.Fatal("restarted loop should be registered")
	}

	m.StopAll()
	if m.IsRunning(key) {
		t.Fatal("should be stopped")
	}
	// StopAll returns only after the loop has left any pass it was in.
	if !r.mu.TryLock() {
		t.Fatal("a pass is still running after StopAll")
	}
	r.mu.Unlock()
}
