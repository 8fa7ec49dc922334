package outlook

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/Martian-dev/mailmirror/internal/sync"
)

type graphError struct{ code int }

func (e *graphError) Error() string { return "graph error" }
func (e *graphError) GetStatusCode() int { return e.code }

func TestLabelsFor(t *testing.T) {
	read, unread := true, false

	tests := []struct {
		name       string
		isRead     *bool
		categories []string
		want       []string
	}{
		{"read", &read, nil, []string{"INBOX"}},
		{"unread", &unread, nil, []string{"INBOX", "UNREAD"}},
		{"unknown counts as unread", nil, nil, []string{"INBOX", "UNREAD"}},
		{"categories", &read, []string{"Work"}, []string{"INBOX", "Work"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := labelsFor(tt.isRead, tt.categories); !slices.Equal(got, tt.want) {
				t.Fatalf("labels = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFolderID(t *testing.T) {
	for in, want := range map[string]string{
		"":        "inbox",
		"INBOX":   "inbox",
		"inbox":   "inbox",
		"TRASH":   "deleteditems",
		"SENT":    "sentitems",
		"AAMkAGI": "AAMkAGI",
	} {
		if got := folderID(in); got != want {
			t.Errorf("folderID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseSkip(t *testing.T) {
	if n, err := parseSkip(""); err != nil || n != 0 {
		t.Fatalf("empty token = %d, %v", n, err)
	}
	if n, err := parseSkip("500"); err != nil || n != 500 {
		t.Fatalf("500 = %d, %v", n, err)
	}
	if _, err := parseSkip("abc"); err == nil {
		t.Fatal("expected error for non-numeric token")
	}
	if _, err := parseSkip("-1"); err == nil {
		t.Fatal("expected error for negative token")
	}
}

func TestGetDeltaAlwaysExpired(t *testing.T) {
	a := &Adapter{}
	if _, err := a.GetDelta(context.Background(), 42); !errors.Is(err, sync.ErrCursorExpired) {
		t.Fatalf("err = %v, want ErrCursorExpired", err)
	}
}

func TestWrapError(t *testing.T) {
	tests := []struct {
		code      int
		kind      sync.ErrorKind
		retryable bool
	}{
		{401, sync.ErrKindAuth, false},
		{403, sync.ErrKindAuth, false},
		{404, sync.ErrKindNotFound, false},
		{429, sync.ErrKindRateLimit, true},
		{503, sync.ErrKindServer, true},
	}
	for _, tt := range tests {
		var pe *sync.ProviderError
		if !errors.As(wrapError(&graphError{code: tt.code}, "op"), &pe) {
			t.Fatalf("%d: not a provider error", tt.code)
		}
		if pe.Kind != tt.kind || pe.Retryable != tt.retryable {
			t.Errorf("%d: kind=%s retryable=%v", tt.code, pe.Kind, pe.Retryable)
		}
	}
}
