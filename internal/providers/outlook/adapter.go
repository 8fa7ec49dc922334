package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailmirror/internal/sync"
)

var (
	_ sync.Source      = (*Adapter)(nil)
	_ sync.LabelLister = (*Adapter)(nil)
)

// Adapter implements sync.Source for Outlook via Microsoft Graph. Graph
// exposes no history id compatible with the engine's cursor, so GetDelta
// always reports the cursor as expired and every incremental pass
// reconciles.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	userID string
	log    *logrus.Entry
}

// New creates an Outlook adapter authenticated with a bearer token.
func New(ctx context.Context, accessToken, userID string) (*Adapter, error) {
	cred := &staticTokenCredential{token: accessToken}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	if userID == "" {
		userID = "me"
	}
	return &Adapter{
		client: client,
		userID: userID,
		log:    logrus.WithFields(logrus.Fields{"component": "outlook", "user": userID}),
	}, nil
}

// ListIDs returns one page of message ids in folder. The page token is the
// skip offset of the next page.
func (a *Adapter) ListIDs(ctx context.Context, folder, pageToken string, pageSize int64) ([]string, string, error) {
	skip, err := parseSkip(pageToken)
	if err != nil {
		return nil, "", err
	}

	top := int32(pageSize)
	config := &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
			Top:    &top,
			Skip:   &skip,
			Select: []string{"id"},
		},
	}

	result, err := a.client.Users().ByUserId(a.userID).MailFolders().ByMailFolderId(folderID(folder)).Messages().Get(ctx, config)
	if err != nil {
		return nil, "", wrapError(err, "failed to list messages")
	}

	var ids []string
	for _, m := range result.GetValue() {
		if id := m.GetId(); id != nil {
			ids = append(ids, *id)
		}
	}

	next := ""
	if result.GetOdataNextLink() != nil && len(ids) > 0 {
		next = strconv.Itoa(int(skip) + len(ids))
	}
	return ids, next, nil
}

// GetMessage fetches one message. Raw formats download the MIME content.
func (a *Adapter) GetMessage(ctx context.Context, id string, format sync.Format) (*sync.RemoteMessage, error) {
	item := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(id)

	msg, err := item.Get(ctx, nil)
	if err != nil {
		return nil, wrapError(err, fmt.Sprintf("failed to get message %s", id))
	}

	out := &sync.RemoteMessage{ID: id, Labels: labelsFor(msg.GetIsRead(), msg.GetCategories())}
	if format == sync.FormatMetadata {
		return out, nil
	}

	raw, err := item.Content().Get(ctx, nil)
	if err != nil {
		return nil, wrapError(err, fmt.Sprintf("failed to get content of %s", id))
	}
	out.Raw = raw
	return out, nil
}

// GetDelta always reports the cursor as expired.
func (a *Adapter) GetDelta(_ context.Context, since uint64) (*sync.Delta, error) {
	return nil, fmt.Errorf("outlook has no history since %d: %w", since, sync.ErrCursorExpired)
}

// CurrentCursor returns the current time as an opaque, increasing marker.
func (a *Adapter) CurrentCursor(context.Context) (uint64, error) {
	return uint64(time.Now().Unix()), nil
}

// ListLabels returns the mail folders with their counters.
func (a *Adapter) ListLabels(ctx context.Context) ([]sync.Label, error) {
	result, err := a.client.Users().ByUserId(a.userID).MailFolders().Get(ctx, nil)
	if err != nil {
		return nil, wrapError(err, "failed to list folders")
	}

	var labels []sync.Label
	for _, f := range result.GetValue() {
		l := sync.Label{}
		if id := f.GetId(); id != nil {
			l.ID = *id
		}
		if name := f.GetDisplayName(); name != nil {
			l.Name = *name
		}
		if n := f.GetTotalItemCount(); n != nil {
			l.MessagesTotal = int64(*n)
		}
		if n := f.GetUnreadItemCount(); n != nil {
			l.MessagesUnread = int64(*n)
		}
		labels = append(labels, l)
	}
	return labels, nil
}

// labelsFor maps Graph read state and categories onto engine labels.
func labelsFor(isRead *bool, categories []string) []string {
	labels := []string{sync.LabelInbox}
	if isRead == nil || !*isRead {
		labels = append(labels, sync.LabelUnread)
	}
	return append(labels, categories...)
}

// folderID maps engine folder names onto Graph well-known folder names.
func folderID(folder string) string {
	switch strings.ToUpper(folder) {
	case "", sync.LabelInbox:
		return "inbox"
	case sync.LabelTrash:
		return "deleteditems"
	case "SENT":
		return "sentitems"
	case "DRAFT", "DRAFTS":
		return "drafts"
	}
	return folder
}

func parseSkip(token string) (int32, error) {
	if token == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(token, 10, 32)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid page token %q", token)
	}
	return int32(n), nil
}

// statusCoder is satisfied by Graph API errors.
type statusCoder interface {
	GetStatusCode() int
}

func wrapError(err error, msg string) error {
	pe := &sync.ProviderError{
		Provider:  sync.ProviderMicrosoft,
		Kind:      sync.ErrKindServer,
		Retryable: true,
		Err:       fmt.Errorf("%s: %w", msg, err),
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		switch code := sc.GetStatusCode(); {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			pe.Kind, pe.Retryable = sync.ErrKindAuth, false
		case code == http.StatusNotFound:
			pe.Kind, pe.Retryable = sync.ErrKindNotFound, false
		case code == http.StatusTooManyRequests:
			pe.Kind = sync.ErrKindRateLimit
		}
	}
	return pe
}

// staticTokenCredential implements azcore.TokenCredential over a fixed token.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}
