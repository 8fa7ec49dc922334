package query

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Martian-dev/mailmirror/internal/codec"
	"github.com/Martian-dev/mailmirror/internal/hooks"
	"github.com/Martian-dev/mailmirror/internal/index"
	"github.com/Martian-dev/mailmirror/internal/store"
	"github.com/Martian-dev/mailmirror/internal/sync"
)

type fixture struct {
	reader *Reader
	local  *store.Maildir
	idx    *index.Index
	ids    map[string]string
}

func message(subject, date string) []byte {
	raw := "From: Alice <alice@example.com>\r\nTo: bob@example.com\r\nSubject: " + subject + "\r\n"
	if date != "" {
		raw += "Date: " + date + "\r\n"
	}
	return []byte(raw + "Content-Type: text/plain\r\n\r\n" + subject + " body\r\n")
}

const withAttachment = "From: alice@example.com\r\n" +
	"Subject: report\r\n" +
	"Date: Tue, 03 Jan 2006 10:00:00 +0000\r\n" +
	"Content-Type: multipart/mixed; boundary=XX\r\n" +
	"\r\n" +
	"--XX\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"see attached\r\n" +
	"--XX\r\n" +
	"Content-Type: application/pdf; name=report.pdf\r\n" +
	"Content-Disposition: attachment; filename=report.pdf\r\n" +
	"\r\n" +
	"%PDF-1.4\r\n" +
	"--XX--\r\n"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	local, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	idx, err := index.Open(":memory:")
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })

	f := &fixture{reader: New(local, idx, nil), local: local, idx: idx, ids: make(map[string]string)}

	msgs := []struct {
		remote string
		raw    []byte
		unread bool
		labels []string
	}{
		{"r-old", message("old", "Mon, 02 Jan 2006 15:04:05 +0000"), false, []string{"INBOX"}},
		{"r-undated", message("undated", ""), true, []string{"INBOX", "UNREAD"}},
		{"r-new", message("new", "Wed, 04 Jan 2006 09:00:00 +0000"), true, []string{"INBOX", "UNREAD", "WORK"}},
		{"r-garbled", message("garbled", "not a date"), false, []string{"WORK"}},
		{"r-attach", []byte(withAttachment), false, []string{"INBOX"}},
	}
	for _, m := range msgs {
		id, err := local.Store(m.raw, m.unread)
		if err != nil {
			t.Fatalf("store: %v", err)
		}
		if err := idx.MapIDs(ctx, m.remote, id); err != nil {
			t.Fatalf("map: %v", err)
		}
		if err := idx.SetLabels(ctx, id, m.labels); err != nil {
			t.Fatalf("labels: %v", err)
		}
		f.ids[m.remote] = id
	}
	return f
}

func subjects(msgs []*codec.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Subject
	}
	return out
}

func TestListOrdersByDate(t *testing.T) {
	f := newFixture(t)

	msgs, err := f.reader.List(context.Background(), NoLimit, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := subjects(msgs)
	if len(got) != 5 {
		t.Fatalf("got %v", got)
	}
	if got[0] != "new" || got[1] != "report" || got[2] != "old" {
		t.Fatalf("dated order = %v", got)
	}
	for _, m := range msgs[3:] {
		if m.HasDate() {
			t.Fatalf("undated messages should come last, got %v", got)
		}
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].HasDate() && msgs[i-1].Time.Before(msgs[i].Time) {
			t.Fatalf("not in non-increasing date order: %v", got)
		}
	}
	for _, m := range msgs {
		if len(m.Attachments) != 0 && m.Attachments[0].Data != nil {
			t.Fatal("list should not read attachment bytes")
		}
	}
}

func TestListCountAndLabel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msgs, err := f.reader.List(ctx, 2, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := subjects(msgs); len(got) != 2 || got[0] != "new" || got[1] != "report" {
		t.Fatalf("top 2 = %v", got)
	}

	msgs, err = f.reader.List(ctx, 10, "WORK")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := subjects(msgs); len(got) != 2 || got[0] != "new" || got[1] != "garbled" {
		t.Fatalf("WORK = %v", got)
	}
	if !msgs[0].Unread || msgs[1].Unread {
		t.Fatal("unread flags should follow the UNREAD label")
	}

	msgs, err = f.reader.List(ctx, 0, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("count 0 returned %d messages", len(msgs))
	}

	msgs, err = f.reader.List(ctx, 10, "NOPE")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("unknown label returned %d messages", len(msgs))
	}
}

func TestListRefreshesMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.reader.List(ctx, NoLimit, ""); err != nil {
		t.Fatalf("list: %v", err)
	}
	meta, ok, err := f.idx.Metadata(ctx, f.ids["r-new"])
	if err != nil || !ok {
		t.Fatalf("metadata ok=%v err=%v", ok, err)
	}
	if meta.Subject != "new" || meta.Timestamp == 0 {
		t.Fatalf("metadata = %+v", meta)
	}
}

func TestLoad(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.reader.Load(ctx, f.ids["r-attach"])
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("attachments = %+v", msg.Attachments)
	}
	if a := msg.Attachments[0]; a.Filename != "report.pdf" || string(a.Data) == "" {
		t.Fatalf("attachment = %+v", a)
	}

	if _, err := f.reader.Load(ctx, "1.missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLoadRunsReceiveHooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var seen string
	chain := hooks.NewChain()
	chain.Register(hooks.BeforeReceive, "shout", func(_ context.Context, body string) (string, error) {
		return strings.ToUpper(body), nil
	})
	chain.Register(hooks.AfterReceive, "notify", func(_ context.Context, body string) (string, error) {
		seen = body
		return body, errors.New("notifier offline")
	})
	f.reader.SetHooks(chain)

	msg, err := f.reader.Load(ctx, f.ids["r-old"])
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !strings.HasPrefix(msg.Body, "OLD BODY") || seen != msg.Body {
		t.Fatalf("body = %q, after_receive saw %q", msg.Body, seen)
	}

	chain.Register(hooks.BeforeReceive, "reject", func(context.Context, string) (string, error) {
		return "", errors.New("blocked")
	})
	if _, err := f.reader.Load(ctx, f.ids["r-old"]); err == nil {
		t.Fatal("expected before_receive failure to fail the load")
	}
}

type stubLabels struct {
	labels []sync.Label
	err    error
}

func (s stubLabels) ListLabels(context.Context) ([]sync.Label, error) {
	return s.labels, s.err
}

func TestLabels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	labels, err := f.reader.Labels(ctx)
	if err != nil {
		t.Fatalf("labels: %v", err)
	}
	byName := make(map[string]sync.Label)
	for _, l := range labels {
		byName[l.Name] = l
	}
	if inbox := byName["INBOX"]; inbox.MessagesTotal != 4 || inbox.MessagesUnread != 2 {
		t.Fatalf("INBOX = %+v", inbox)
	}
	if work := byName["WORK"]; work.MessagesTotal != 2 || work.MessagesUnread != 1 {
		t.Fatalf("WORK = %+v", work)
	}

	f.reader.remote = stubLabels{labels: []sync.Label{{ID: "Label_1", Name: "remote"}}}
	labels, err = f.reader.Labels(ctx)
	if err != nil || len(labels) != 1 || labels[0].Name != "remote" {
		t.Fatalf("remote labels = %+v, %v", labels, err)
	}

	f.reader.remote = stubLabels{err: errors.New("offline")}
	labels, err = f.reader.Labels(ctx)
	if err != nil || len(labels) < 2 {
		t.Fatalf("fallback labels = %+v, %v", labels, err)
	}
}
