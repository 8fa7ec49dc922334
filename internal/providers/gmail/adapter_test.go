package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailmirror/internal/sync"
)

const rawA = "From: a@example.com\r\nSubject: hi\r\n\r\nhello\r\n"

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func newTestAdapter(t *testing.T) (*Adapter, *[]string) {
	t.Helper()

	var sent []string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("labelIds") != "INBOX" {
			writeJSON(w, http.StatusBadRequest, `{"error":{"code":400,"message":"missing label"}}`)
			return
		}
		if r.URL.Query().Get("pageToken") == "p2" {
			writeJSON(w, http.StatusOK, `{"messages":[{"id":"c"}]}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"messages":[{"id":"a"},{"id":"b"}],"nextPageToken":"p2"}`)
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "a" {
			writeJSON(w, http.StatusNotFound, `{"error":{"code":404,"message":"Requested entity was not found."}}`)
			return
		}
		body := map[string]any{"id": "a", "labelIds": []string{"INBOX", "UNREAD"}}
		if r.URL.Query().Get("format") == "raw" {
			body["raw"] = base64.URLEncoding.EncodeToString([]byte(rawA))
		}
		b, _ := json.Marshal(body)
		writeJSON(w, http.StatusOK, string(b))
	})
	mux.HandleFunc("GET /gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("startHistoryId") == "1" {
			writeJSON(w, http.StatusNotFound, `{"error":{"code":404,"message":"Requested entity was not found."}}`)
			return
		}
		writeJSON(w, http.StatusOK, `{
			"history": [
				{"id": "11", "messagesAdded": [{"message": {"id": "n", "labelIds": ["INBOX", "UNREAD"]}}]},
				{"id": "12", "labelsRemoved": [{"message": {"id": "a"}, "labelIds": ["UNREAD"]}]},
				{"id": "13", "messagesDeleted": [{"message": {"id": "b"}}]}
			],
			"historyId": "90"
		}`)
	})
	mux.HandleFunc("GET /gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"emailAddress":"me@example.com","historyId":"77"}`)
	})
	mux.HandleFunc("GET /gmail/v1/users/me/labels", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"labels":[{"id":"INBOX","name":"INBOX"}]}`)
	})
	mux.HandleFunc("GET /gmail/v1/users/me/labels/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"INBOX","name":"INBOX","messagesTotal":3,"messagesUnread":1}`)
	})
	mux.HandleFunc("POST /gmail/v1/users/me/messages/send", func(w http.ResponseWriter, r *http.Request) {
		var msg struct {
			Raw string `json:"raw"`
		}
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			writeJSON(w, http.StatusBadRequest, `{"error":{"code":400,"message":"bad body"}}`)
			return
		}
		sent = append(sent, msg.Raw)
		writeJSON(w, http.StatusOK, `{"id":"sent-1"}`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	a, err := NewWithOptions(context.Background(), Config{},
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a, &sent
}

func TestListIDsPages(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	ids, next, err := a.ListIDs(ctx, "", "", 500)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !slices.Equal(ids, []string{"a", "b"}) || next != "p2" {
		t.Fatalf("page 1 = %v next %q", ids, next)
	}

	ids, next, err = a.ListIDs(ctx, "INBOX", next, 500)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !slices.Equal(ids, []string{"c"}) || next != "" {
		t.Fatalf("page 2 = %v next %q", ids, next)
	}
}

func TestGetMessage(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	m, err := a.GetMessage(ctx, "a", sync.FormatRaw)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(m.Raw) != rawA {
		t.Fatalf("raw = %q", m.Raw)
	}
	if !slices.Contains(m.Labels, sync.LabelUnread) {
		t.Fatalf("labels = %v", m.Labels)
	}

	m, err = a.GetMessage(ctx, "a", sync.FormatMetadata)
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	if m.Raw != nil {
		t.Fatal("metadata fetch should not carry raw bytes")
	}

	_, err = a.GetMessage(ctx, "zzz", sync.FormatRaw)
	var pe *sync.ProviderError
	if !errors.As(err, &pe) || pe.Kind != sync.ErrKindNotFound || pe.Retryable {
		t.Fatalf("err = %v, want not-found provider error", err)
	}
}

func TestGetDelta(t *testing.T) {
	a, _ := newTestAdapter(t)

	delta, err := a.GetDelta(context.Background(), 10)
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if delta.Cursor != 90 {
		t.Fatalf("cursor = %d, want 90", delta.Cursor)
	}

	want := []sync.DeltaRecord{
		{Kind: sync.DeltaMessageAdded, MessageID: "n", Labels: []string{"INBOX", "UNREAD"}},
		{Kind: sync.DeltaLabelsRemoved, MessageID: "a", Labels: []string{"UNREAD"}},
		{Kind: sync.DeltaMessageDeleted, MessageID: "b"},
	}
	if len(delta.Records) != len(want) {
		t.Fatalf("records = %+v", delta.Records)
	}
	for i, r := range delta.Records {
		if r.Kind != want[i].Kind || r.MessageID != want[i].MessageID || !slices.Equal(r.Labels, want[i].Labels) {
			t.Fatalf("record %d = %+v, want %+v", i, r, want[i])
		}
	}
}

func TestGetDeltaExpired(t *testing.T) {
	a, _ := newTestAdapter(t)

	_, err := a.GetDelta(context.Background(), 1)
	if !errors.Is(err, sync.ErrCursorExpired) {
		t.Fatalf("err = %v, want ErrCursorExpired", err)
	}
}

func TestCurrentCursorLabelsAndSend(t *testing.T) {
	a, sent := newTestAdapter(t)
	ctx := context.Background()

	cursor, err := a.CurrentCursor(ctx)
	if err != nil || cursor != 77 {
		t.Fatalf("cursor = %d, %v", cursor, err)
	}

	labels, err := a.ListLabels(ctx)
	if err != nil {
		t.Fatalf("labels: %v", err)
	}
	if len(labels) != 1 || labels[0].MessagesTotal != 3 || labels[0].MessagesUnread != 1 {
		t.Fatalf("labels = %+v", labels)
	}

	id, err := a.Send(ctx, []byte(rawA))
	if err != nil || id != "sent-1" {
		t.Fatalf("send = %q, %v", id, err)
	}
	if len(*sent) != 1 {
		t.Fatalf("sent %d messages", len(*sent))
	}
	got, err := decodeRaw((*sent)[0])
	if err != nil || string(got) != rawA {
		t.Fatalf("sent raw = %q, %v", got, err)
	}
}

func TestWrapError(t *testing.T) {
	tests := []struct {
		err       error
		kind      sync.ErrorKind
		retryable bool
	}{
		{&googleapi.Error{Code: 401}, sync.ErrKindAuth, false},
		{&googleapi.Error{Code: 403, Message: "Forbidden"}, sync.ErrKindAuth, false},
		{&googleapi.Error{Code: 403, Message: "User Rate Limit Exceeded"}, sync.ErrKindRateLimit, true},
		{&googleapi.Error{Code: 404}, sync.ErrKindNotFound, false},
		{&googleapi.Error{Code: 429}, sync.ErrKindRateLimit, true},
		{&googleapi.Error{Code: 503}, sync.ErrKindServer, true},
		{errors.New("connection reset"), sync.ErrKindServer, true},
	}

	for _, tt := range tests {
		err := wrapError(tt.err, "op")
		var pe *sync.ProviderError
		if !errors.As(err, &pe) {
			t.Fatalf("%v: not a provider error", tt.err)
		}
		if pe.Kind != tt.kind || pe.Retryable != tt.retryable {
			t.Errorf("%v: kind=%s retryable=%v", tt.err, pe.Kind, pe.Retryable)
		}
		if !errors.Is(err, tt.err) {
			t.Errorf("%v: original error not wrapped", tt.err)
		}
	}
}
