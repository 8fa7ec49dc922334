package imap

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/emersion/go-imap/v2"

	mailsync "github.com/Martian-dev/mailmirror/internal/sync"
)

func TestLabelsFromFlags(t *testing.T) {
	tests := []struct {
		flags []imap.Flag
		want  []string
	}{
		{nil, []string{"INBOX", "UNREAD"}},
		{[]imap.Flag{imap.FlagSeen}, []string{"INBOX"}},
		{[]imap.Flag{imap.FlagSeen, imap.FlagFlagged}, []string{"INBOX", "STARRED"}},
		{[]imap.Flag{imap.FlagDeleted}, []string{"INBOX", "UNREAD", "TRASH"}},
	}
	for _, tt := range tests {
		if got := labelsFromFlags(tt.flags); !slices.Equal(got, tt.want) {
			t.Errorf("labelsFromFlags(%v) = %v, want %v", tt.flags, got, tt.want)
		}
	}
}

func TestPageOf(t *testing.T) {
	uids := []imap.UID{1, 2, 3, 5, 8}

	page, next := pageOf(uids, 0, 2)
	if !slices.Equal(formatUIDs(page), []string{"1", "2"}) || next != "2" {
		t.Fatalf("page 1 = %v next %q", page, next)
	}
	page, next = pageOf(uids, 4, 2)
	if !slices.Equal(formatUIDs(page), []string{"8"}) || next != "" {
		t.Fatalf("last page = %v next %q", page, next)
	}
	if page, next = pageOf(uids, 9, 2); page != nil || next != "" {
		t.Fatalf("past the end = %v next %q", page, next)
	}
}

func TestParseUID(t *testing.T) {
	if uid, err := parseUID("42"); err != nil || uid != 42 {
		t.Fatalf("parseUID(42) = %d, %v", uid, err)
	}
	for _, bad := range []string{"", "0", "-1", "abc", "99999999999"} {
		if _, err := parseUID(bad); err == nil {
			t.Errorf("parseUID(%q) should fail", bad)
		}
	}
}

func TestEnvelope(t *testing.T) {
	raw := []byte("From: Alice <alice@example.com>\r\n" +
		"To: bob@example.com, Carol <carol@example.com>\r\n" +
		"Cc: dave@example.com\r\n" +
		"Message-Id: <abc@example.com>\r\n" +
		"Subject: hi\r\n\r\nbody\r\n")

	env, err := envelope(raw)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if env.from != "alice@example.com" {
		t.Fatalf("from = %q", env.from)
	}
	want := []string{"bob@example.com", "carol@example.com", "dave@example.com"}
	if !slices.Equal(env.rcpt, want) {
		t.Fatalf("rcpt = %v, want %v", env.rcpt, want)
	}
	if env.messageID != "abc@example.com" {
		t.Fatalf("message id = %q", env.messageID)
	}

	if _, err := envelope([]byte("Subject: nobody\r\n\r\nbody\r\n")); err == nil {
		t.Fatal("expected error for message without recipients")
	}
}

func TestGetDeltaAlwaysExpired(t *testing.T) {
	a := New(Config{Host: "localhost"})
	if _, err := a.GetDelta(context.Background(), 7); !errors.Is(err, mailsync.ErrCursorExpired) {
		t.Fatalf("err = %v, want ErrCursorExpired", err)
	}
}
