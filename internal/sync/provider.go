package sync

import (
	"context"
	"errors"
	"fmt"
)

// ProviderName identifies a remote backend.
type ProviderName string

const (
	ProviderGoogle    ProviderName = "gmail"
	ProviderMicrosoft ProviderName = "outlook"
	ProviderIMAP      ProviderName = "imap"
)

// Well-known label names. Providers translate their own flags into these.
const (
	LabelUnread = "UNREAD"
	LabelTrash  = "TRASH"
	LabelInbox  = "INBOX"
)

// ErrCursorExpired is returned by GetDelta when the remote no longer has
// history for the given cursor. It triggers reconciliation, not a failure.
var ErrCursorExpired = errors.New("sync cursor expired")

// Format selects how much of a message GetMessage returns.
type Format string

const (
	FormatRaw      Format = "raw"
	FormatFull     Format = "full"
	FormatMetadata Format = "metadata"
)

// RemoteMessage is a fetched message. Raw is empty for FormatMetadata.
type RemoteMessage struct {
	ID     string
	Raw    []byte
	Labels []string
}

// DeltaKind is the type of one history record.
type DeltaKind int

const (
	DeltaLabelsAdded DeltaKind = iota
	DeltaLabelsRemoved
	DeltaMessageAdded
	DeltaMessageDeleted
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaLabelsAdded:
		return "labels-added"
	case DeltaLabelsRemoved:
		return "labels-removed"
	case DeltaMessageAdded:
		return "message-added"
	case DeltaMessageDeleted:
		return "message-deleted"
	}
	return fmt.Sprintf("DeltaKind(%d)", int(k))
}

// DeltaRecord is one change since a cursor.
type DeltaRecord struct {
	Kind      DeltaKind
	MessageID string
	Labels    []string
}

// Delta is the history since a cursor, in chronological order, plus the
// cursor to persist once it has been applied.
type Delta struct {
	Records []DeltaRecord
	Cursor  uint64
}

// Source is a remote mailbox.
type Source interface {
	// ListIDs returns one page of message ids in folder. An empty next page
	// token means the listing is complete.
	ListIDs(ctx context.Context, folder, pageToken string, pageSize int64) (ids []string, nextPageToken string, err error)

	// GetMessage fetches one message.
	GetMessage(ctx context.Context, id string, format Format) (*RemoteMessage, error)

	// GetDelta returns changes since cursor or ErrCursorExpired.
	GetDelta(ctx context.Context, since uint64) (*Delta, error)

	// CurrentCursor returns the remote's current change position.
	CurrentCursor(ctx context.Context) (uint64, error)
}

// Label is a remote label with counters, when the backend reports them.
type Label struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	MessagesTotal  int64  `json:"messages_total"`
	MessagesUnread int64  `json:"messages_unread"`
}

// LabelLister is implemented by sources that can list their labels.
type LabelLister interface {
	ListLabels(ctx context.Context) ([]Label, error)
}

// Sender is implemented by sources that can transmit a raw RFC822 message.
type Sender interface {
	Send(ctx context.Context, raw []byte) (string, error)
}

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	ErrKindAuth      ErrorKind = "auth"
	ErrKindRateLimit ErrorKind = "rate_limit"
	ErrKindNotFound  ErrorKind = "not_found"
	ErrKindServer    ErrorKind = "server"
)

// ProviderError wraps a remote failure with its classification.
type ProviderError struct {
	Provider  ProviderName
	Kind      ErrorKind
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a provider error worth retrying.
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable
}

// IsNotFound reports whether err is a provider error for a missing message.
func IsNotFound(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == ErrKindNotFound
}
