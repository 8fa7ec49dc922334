package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailmirror/internal/sync"
)

var (
	_ sync.Source      = (*Adapter)(nil)
	_ sync.LabelLister = (*Adapter)(nil)
	_ sync.Sender      = (*Adapter)(nil)
)

// Config holds the OAuth client and mailbox settings.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	User         string
	Folder       string
}

// OAuthConfig returns the OAuth2 client configuration for cfg.
func OAuthConfig(cfg Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     google.Endpoint,
		Scopes: []string{
			gmail.GmailReadonlyScope,
			gmail.GmailSendScope,
			gmail.GmailLabelsScope,
		},
	}
}

// Adapter implements sync.Source for Gmail.
type Adapter struct {
	svc    *gmail.Service
	user   string
	folder string
	cb     *gobreaker.CircuitBreaker
	log    *logrus.Entry
}

// NewWithOptions creates an adapter with explicit client options.
func NewWithOptions(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Adapter, error) {
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	user := cfg.User
	if user == "" {
		user = "me"
	}
	folder := cfg.Folder
	if folder == "" {
		folder = sync.LabelInbox
	}

	log := logrus.WithFields(logrus.Fields{"component": "gmail", "user": user})
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
		},
	})

	return &Adapter{svc: svc, user: user, folder: folder, cb: cb, log: log}, nil
}

// ListIDs returns one page of message ids carrying the folder label.
func (a *Adapter) ListIDs(ctx context.Context, folder, pageToken string, pageSize int64) ([]string, string, error) {
	if folder == "" {
		folder = a.folder
	}
	call := a.svc.Users.Messages.List(a.user).LabelIds(folder).MaxResults(pageSize).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	var resp *gmail.ListMessagesResponse
	err := a.execute("ListMessages", func() error {
		var apiErr error
		resp, apiErr = call.Do()
		return apiErr
	})
	if err != nil {
		return nil, "", wrapError(err, "failed to list messages")
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return ids, resp.NextPageToken, nil
}

// GetMessage fetches one message. Raw and full formats both return the
// RFC822 bytes; metadata returns labels only.
func (a *Adapter) GetMessage(ctx context.Context, id string, format sync.Format) (*sync.RemoteMessage, error) {
	apiFormat := "raw"
	if format == sync.FormatMetadata {
		apiFormat = "minimal"
	}

	var msg *gmail.Message
	err := a.execute("GetMessage", func() error {
		var apiErr error
		msg, apiErr = a.svc.Users.Messages.Get(a.user, id).Format(apiFormat).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, wrapError(err, fmt.Sprintf("failed to get message %s", id))
	}

	out := &sync.RemoteMessage{ID: msg.Id, Labels: msg.LabelIds}
	if apiFormat == "raw" {
		raw, err := decodeRaw(msg.Raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", id, err)
		}
		out.Raw = raw
	}
	return out, nil
}

// GetDelta returns the history since the given history id, restricted to
// the folder label.
func (a *Adapter) GetDelta(ctx context.Context, since uint64) (*sync.Delta, error) {
	delta := &sync.Delta{Cursor: since}

	call := a.svc.Users.History.List(a.user).StartHistoryId(since).LabelId(a.folder).MaxResults(500)
	err := a.execute("ListHistory", func() error {
		return call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
			for _, h := range page.History {
				delta.Records = append(delta.Records, historyRecords(h)...)
			}
			if page.HistoryId > delta.Cursor {
				delta.Cursor = page.HistoryId
			}
			return nil
		})
	})
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("history %d: %w", since, sync.ErrCursorExpired)
		}
		return nil, wrapError(err, "failed to get history")
	}
	return delta, nil
}

func historyRecords(h *gmail.History) []sync.DeltaRecord {
	var records []sync.DeltaRecord
	for _, r := range h.MessagesAdded {
		if r.Message != nil {
			records = append(records, sync.DeltaRecord{Kind: sync.DeltaMessageAdded, MessageID: r.Message.Id, Labels: r.Message.LabelIds})
		}
	}
	for _, r := range h.LabelsAdded {
		if r.Message != nil {
			records = append(records, sync.DeltaRecord{Kind: sync.DeltaLabelsAdded, MessageID: r.Message.Id, Labels: r.LabelIds})
		}
	}
	for _, r := range h.LabelsRemoved {
		if r.Message != nil {
			records = append(records, sync.DeltaRecord{Kind: sync.DeltaLabelsRemoved, MessageID: r.Message.Id, Labels: r.LabelIds})
		}
	}
	for _, r := range h.MessagesDeleted {
		if r.Message != nil {
			records = append(records, sync.DeltaRecord{Kind: sync.DeltaMessageDeleted, MessageID: r.Message.Id})
		}
	}
	return records
}

// CurrentCursor returns the mailbox's latest history id.
func (a *Adapter) CurrentCursor(ctx context.Context) (uint64, error) {
	var profile *gmail.Profile
	err := a.execute("GetProfile", func() error {
		var apiErr error
		profile, apiErr = a.svc.Users.GetProfile(a.user).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return 0, wrapError(err, "failed to get profile")
	}
	return profile.HistoryId, nil
}

// ListLabels returns every label with its message counters.
func (a *Adapter) ListLabels(ctx context.Context) ([]sync.Label, error) {
	var resp *gmail.ListLabelsResponse
	err := a.execute("ListLabels", func() error {
		var apiErr error
		resp, apiErr = a.svc.Users.Labels.List(a.user).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, wrapError(err, "failed to list labels")
	}

	labels := make([]sync.Label, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		// The list call omits counters; fetch each label for them.
		var full *gmail.Label
		err := a.execute("GetLabel", func() error {
			var apiErr error
			full, apiErr = a.svc.Users.Labels.Get(a.user, l.Id).Context(ctx).Do()
			return apiErr
		})
		if err != nil {
			return nil, wrapError(err, fmt.Sprintf("failed to get label %s", l.Id))
		}
		labels = append(labels, sync.Label{
			ID:             full.Id,
			Name:           full.Name,
			MessagesTotal:  full.MessagesTotal,
			MessagesUnread: full.MessagesUnread,
		})
	}
	return labels, nil
}

// Send transmits a raw RFC822 message and returns its Gmail id.
func (a *Adapter) Send(ctx context.Context, raw []byte) (string, error) {
	msg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)}

	var sent *gmail.Message
	err := a.execute("SendMessage", func() error {
		var apiErr error
		sent, apiErr = a.svc.Users.Messages.Send(a.user, msg).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", wrapError(err, "failed to send message")
	}
	return sent.Id, nil
}

// State reports the circuit breaker state.
func (a *Adapter) State() string {
	return a.cb.State().String()
}

func decodeRaw(s string) ([]byte, error) {
	if raw, err := base64.URLEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// execute runs fn through the circuit breaker. Client errors are passed
// through without counting as breaker failures.
func (a *Adapter) execute(operation string, fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) {
				switch apiErr.Code {
				case 400, 401, 403, 404:
					return nil, &nonCircuitError{err: err}
				}
			}
			return nil, err
		}
		return nil, nil
	})

	var nce *nonCircuitError
	if errors.As(err, &nce) {
		return nce.err
	}
	if err != nil {
		a.log.WithError(err).WithFields(logrus.Fields{"operation": operation, "state": a.cb.State().String()}).Debug("gmail call failed")
	}
	return err
}

// nonCircuitError wraps errors that should not trip the circuit breaker.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

// wrapError classifies a Gmail API failure.
func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}

	pe := &sync.ProviderError{
		Provider:  sync.ProviderGoogle,
		Kind:      sync.ErrKindServer,
		Retryable: true,
		Err:       fmt.Errorf("%s: %w", msg, err),
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			pe.Kind, pe.Retryable = sync.ErrKindAuth, false
		case http.StatusForbidden:
			if strings.Contains(apiErr.Message, "Rate Limit") {
				pe.Kind = sync.ErrKindRateLimit
			} else {
				pe.Kind, pe.Retryable = sync.ErrKindAuth, false
			}
		case http.StatusNotFound:
			pe.Kind, pe.Retryable = sync.ErrKindNotFound, false
		case http.StatusTooManyRequests:
			pe.Kind = sync.ErrKindRateLimit
		}
	}
	return pe
}
