package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailmirror/internal/auth"
	"github.com/Martian-dev/mailmirror/internal/config"
	"github.com/Martian-dev/mailmirror/internal/hooks"
	"github.com/Martian-dev/mailmirror/internal/outbound"
	"github.com/Martian-dev/mailmirror/internal/query"
	"github.com/Martian-dev/mailmirror/internal/sync"
)

const rawMessage = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: hello\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
	"\r\n" +
	"hi bob\r\n"

type staticSource struct{}

func (staticSource) ListIDs(context.Context, string, string, int64) ([]string, string, error) {
	return []string{"r1"}, "", nil
}

func (staticSource) GetMessage(_ context.Context, id string, _ sync.Format) (*sync.RemoteMessage, error) {
	return &sync.RemoteMessage{ID: id, Raw: []byte(rawMessage), Labels: []string{"INBOX", "UNREAD"}}, nil
}

func (staticSource) GetDelta(context.Context, uint64) (*sync.Delta, error) {
	return nil, sync.ErrCursorExpired
}

func (staticSource) CurrentCursor(context.Context) (uint64, error) { return 7, nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Backend: config.BackendIMAP,
		Mailbox: "test",
		Folder:  "INBOX",
		DataDir: t.TempDir(),
		Sync: config.SyncConfig{
			Interval:    time.Minute,
			PageSize:    50,
			Concurrency: 2,
		},
		IMAP: config.IMAPConfig{
			Host:     "mail.example.com",
			Port:     993,
			SMTPPort: 587,
			Username: "me",
			TLS:      true,
		},
	}
}

func TestOpenWiresMailbox(t *testing.T) {
	cfg := testConfig(t)
	a, err := Open(cfg, staticSource{}, sync.ProviderIMAP)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()
	ctx := context.Background()

	if a.SyncKey() != "test:imap" {
		t.Fatalf("SyncKey = %q", a.SyncKey())
	}

	res, err := a.Manager.SyncNow(ctx, a.SyncKey())
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if res.Mode != sync.ModeFull || res.Added != 1 || res.Cursor != 7 {
		t.Fatalf("result = %+v", res)
	}

	msgs, err := a.Reader.List(ctx, query.NoLimit, "UNREAD")
	if err != nil || len(msgs) != 1 || msgs[0].Subject != "hello" || !msgs[0].Unread {
		t.Fatalf("List = %+v, %v", msgs, err)
	}

	labels, err := a.Reader.Labels(ctx)
	if err != nil || len(labels) != 2 {
		t.Fatalf("Labels = %+v, %v", labels, err)
	}

	if _, err := a.Outbound.Send(ctx, outbound.Draft{To: "x@example.com", Subject: "s", Body: "b"}); !errors.Is(err, outbound.ErrSendUnsupported) {
		t.Fatalf("Send err = %v", err)
	}

	if got := filepath.Join(cfg.DataDir, "test", "index.db"); cfg.IndexPath() != got {
		t.Fatalf("IndexPath = %s", cfg.IndexPath())
	}
}

func TestBuildHooks(t *testing.T) {
	chain := BuildHooks(config.HooksConfig{
		Signature: "me",
		Commands: map[string][]string{
			"before_send":    {"/usr/bin/tr", "a-z", "A-Z"},
			"after_receive":  {"/usr/local/bin/notify"},
			"before_receive": {},
		},
	})

	if got := chain.Names(hooks.BeforeSend); len(got) != 2 || got[0] != "signature" || got[1] != "tr" {
		t.Fatalf("before_send = %v", got)
	}
	if got := chain.Names(hooks.AfterReceive); len(got) != 1 || got[0] != "notify" {
		t.Fatalf("after_receive = %v", got)
	}
	if got := chain.Names(hooks.BeforeReceive); len(got) != 0 {
		t.Fatalf("before_receive = %v", got)
	}
}

func TestNewSourceIMAP(t *testing.T) {
	cfg := testConfig(t)
	creds := auth.NewCredentials(keyring.NewArrayKeyring(nil))
	ctx := context.Background()

	if _, _, err := NewSource(ctx, cfg, creds); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("without password: %v", err)
	}

	if err := creds.SavePassword(Account(cfg), "secret"); err != nil {
		t.Fatalf("SavePassword: %v", err)
	}
	src, provider, err := NewSource(ctx, cfg, creds)
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	if provider != sync.ProviderIMAP {
		t.Fatalf("provider = %s", provider)
	}
	if _, ok := src.(sync.Sender); !ok {
		t.Fatal("imap source should send")
	}
}

func TestNewSourceGmail(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend = config.BackendGmail
	cfg.Gmail = config.GmailConfig{ClientID: "id", ClientSecret: "secret", User: "me"}
	creds := auth.NewCredentials(keyring.NewArrayKeyring(nil))
	ctx := context.Background()

	if _, _, err := NewSource(ctx, cfg, creds); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("without token: %v", err)
	}

	tok := &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)}
	if err := creds.SaveToken(Account(cfg), tok); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	src, provider, err := NewSource(ctx, cfg, creds)
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	if provider != sync.ProviderGoogle {
		t.Fatalf("provider = %s", provider)
	}
	if _, ok := src.(sync.LabelLister); !ok {
		t.Fatal("gmail source should list labels")
	}
}

func TestNewSourceRejectsIncompleteBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.IMAP.Host = ""
	creds := auth.NewCredentials(keyring.NewArrayKeyring(nil))
	if _, _, err := NewSource(context.Background(), cfg, creds); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("err = %v", err)
	}
}

func TestProviderFor(t *testing.T) {
	for backend, want := range map[string]sync.ProviderName{
		config.BackendGmail:   sync.ProviderGoogle,
		config.BackendOutlook: sync.ProviderMicrosoft,
		config.BackendIMAP:    sync.ProviderIMAP,
	} {
		got, err := ProviderFor(backend)
		if err != nil || got != want {
			t.Errorf("ProviderFor(%q) = %q, %v", backend, got, err)
		}
	}
	if _, err := ProviderFor("pigeon"); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("unknown backend err = %v", err)
	}
}
