package natsjs

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Martian-dev/mailmirror/internal/sync"
)

func TestStreamConfigDefaults(t *testing.T) {
	cfg := StreamConfig(Options{})
	if cfg.Name != DefaultStream {
		t.Fatalf("name = %q", cfg.Name)
	}
	if cfg.MaxAge != 30*24*time.Hour || cfg.Duplicates != 10*time.Minute {
		t.Fatalf("limits = %v / %v", cfg.MaxAge, cfg.Duplicates)
	}
	if cfg.Storage != nats.FileStorage {
		t.Fatalf("storage = %v", cfg.Storage)
	}

	cfg = StreamConfig(Options{Stream: "TEST", MaxAge: time.Hour})
	if cfg.Name != "TEST" || cfg.MaxAge != time.Hour {
		t.Fatalf("overrides ignored: %+v", cfg)
	}
}

func TestStreamCoversEventSubjects(t *testing.T) {
	cfg := StreamConfig(Options{})
	if len(cfg.Subjects) != 1 || cfg.Subjects[0] != "mail.>" {
		t.Fatalf("subjects = %v", cfg.Subjects)
	}
	for _, subject := range []string{
		sync.Subject("me@example.com", sync.EventStored),
		sync.Subject("work", sync.EventDeleted),
	} {
		if len(subject) < 5 || subject[:5] != "mail." {
			t.Fatalf("%q is outside the stream", subject)
		}
	}
}

var _ sync.Publisher = (*Publisher)(nil)
