// Package imap implements the remote source over a plain IMAP server, with
// SMTP submission for outbound mail.
package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	mailsync "github.com/Martian-dev/mailmirror/internal/sync"
)

var (
	_ mailsync.Source      = (*Adapter)(nil)
	_ mailsync.LabelLister = (*Adapter)(nil)
	_ mailsync.Sender      = (*Adapter)(nil)
)

// Config holds the server addresses and credentials.
type Config struct {
	Host     string
	Port     string
	SMTPPort string
	Username string
	Password string
	TLS      bool
	Insecure bool
	Folder   string
}

// Adapter implements mailsync.Source over IMAP. Remote ids are UIDs in the
// configured folder. IMAP has no history the engine can use, so GetDelta
// always reports the cursor as expired.
type Adapter struct {
	cfg Config
	log *logrus.Entry

	mu       sync.Mutex
	client   *imapclient.Client
	selected string
}

// New creates an IMAP adapter. The connection is opened on first use.
func New(cfg Config) *Adapter {
	if cfg.Folder == "" {
		cfg.Folder = mailsync.LabelInbox
	}
	return &Adapter{
		cfg: cfg,
		log: logrus.WithFields(logrus.Fields{"component": "imap", "host": cfg.Host, "user": cfg.Username}),
	}
}

func (a *Adapter) tlsConfig() *tls.Config {
	return &tls.Config{ServerName: a.cfg.Host, InsecureSkipVerify: a.cfg.Insecure}
}

// connect returns a logged-in client with folder selected. Callers hold mu.
func (a *Adapter) connect(folder string) (*imapclient.Client, error) {
	if a.client == nil {
		addr := a.cfg.Host + ":" + a.cfg.Port
		opts := &imapclient.Options{TLSConfig: a.tlsConfig()}

		var (
			client *imapclient.Client
			err    error
		)
		if a.cfg.TLS {
			client, err = imapclient.DialTLS(addr, opts)
		} else {
			client, err = imapclient.DialStartTLS(addr, opts)
		}
		if err != nil {
			return nil, &mailsync.ProviderError{Provider: mailsync.ProviderIMAP, Kind: mailsync.ErrKindServer, Retryable: true, Err: fmt.Errorf("connecting to %s: %w", addr, err)}
		}

		if err := client.Login(a.cfg.Username, a.cfg.Password).Wait(); err != nil {
			_ = client.Close()
			return nil, &mailsync.ProviderError{Provider: mailsync.ProviderIMAP, Kind: mailsync.ErrKindAuth, Err: fmt.Errorf("authentication failed for %s: %w", a.cfg.Username, err)}
		}
		a.client = client
		a.selected = ""
		a.log.Debug("connected")
	}

	if a.selected != folder {
		if _, err := a.client.Select(folder, nil).Wait(); err != nil {
			a.reset()
			return nil, wrapError(fmt.Errorf("selecting %s: %w", folder, err))
		}
		a.selected = folder
	}
	return a.client, nil
}

// reset drops the connection so the next call dials again. Callers hold mu.
func (a *Adapter) reset() {
	if a.client != nil {
		_ = a.client.Close()
	}
	a.client = nil
	a.selected = ""
}

// Close logs out and closes the connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return nil
	}
	err := a.client.Logout().Wait()
	a.reset()
	return err
}

// ListIDs returns one page of UIDs in ascending order. The page token is
// the offset of the next page.
func (a *Adapter) ListIDs(ctx context.Context, folder, pageToken string, pageSize int64) ([]string, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if folder == "" {
		folder = a.cfg.Folder
	}
	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return nil, "", fmt.Errorf("invalid page token %q", pageToken)
		}
		offset = n
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	client, err := a.connect(folder)
	if err != nil {
		return nil, "", err
	}
	data, err := client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		a.reset()
		return nil, "", wrapError(fmt.Errorf("searching %s: %w", folder, err))
	}

	uids := data.AllUIDs()
	slices.Sort(uids)
	page, next := pageOf(uids, offset, int(pageSize))
	return formatUIDs(page), next, nil
}

// GetMessage fetches one message by UID.
func (a *Adapter) GetMessage(ctx context.Context, id string, format mailsync.Format) (*mailsync.RemoteMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	client, err := a.connect(a.cfg.Folder)
	if err != nil {
		return nil, err
	}

	opts := &imap.FetchOptions{Flags: true, UID: true}
	section := &imap.FetchItemBodySection{Peek: true}
	if format != mailsync.FormatMetadata {
		opts.BodySection = []*imap.FetchItemBodySection{section}
	}

	cmd := client.Fetch(imap.UIDSetNum(uid), opts)
	defer cmd.Close()

	msg := cmd.Next()
	if msg == nil {
		if err := cmd.Close(); err != nil {
			a.reset()
			return nil, wrapError(fmt.Errorf("fetching %s: %w", id, err))
		}
		return nil, &mailsync.ProviderError{Provider: mailsync.ProviderIMAP, Kind: mailsync.ErrKindNotFound, Err: fmt.Errorf("message UID %s not found", id)}
	}

	buf, err := msg.Collect()
	if err != nil {
		a.reset()
		return nil, wrapError(fmt.Errorf("collecting %s: %w", id, err))
	}

	out := &mailsync.RemoteMessage{ID: id, Labels: labelsFromFlags(buf.Flags)}
	if format != mailsync.FormatMetadata {
		out.Raw = buf.FindBodySection(section)
	}
	return out, nil
}

// GetDelta always reports the cursor as expired.
func (a *Adapter) GetDelta(_ context.Context, since uint64) (*mailsync.Delta, error) {
	return nil, fmt.Errorf("imap has no history since %d: %w", since, mailsync.ErrCursorExpired)
}

// CurrentCursor returns the folder's UIDNEXT.
func (a *Adapter) CurrentCursor(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	client, err := a.connect(a.cfg.Folder)
	if err != nil {
		return 0, err
	}
	data, err := client.Status(a.cfg.Folder, &imap.StatusOptions{UIDNext: true}).Wait()
	if err != nil {
		a.reset()
		return 0, wrapError(fmt.Errorf("status of %s: %w", a.cfg.Folder, err))
	}
	return uint64(data.UIDNext), nil
}

// ListLabels returns every selectable mailbox with its counters.
func (a *Adapter) ListLabels(ctx context.Context) ([]mailsync.Label, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	client, err := a.connect(a.cfg.Folder)
	if err != nil {
		return nil, err
	}
	boxes, err := client.List("", "*", nil).Collect()
	if err != nil {
		a.reset()
		return nil, wrapError(fmt.Errorf("listing mailboxes: %w", err))
	}

	var labels []mailsync.Label
	for _, box := range boxes {
		if slices.Contains(box.Attrs, imap.MailboxAttrNoSelect) {
			continue
		}
		l := mailsync.Label{ID: box.Mailbox, Name: box.Mailbox}
		st, err := client.Status(box.Mailbox, &imap.StatusOptions{NumMessages: true, NumUnseen: true}).Wait()
		if err != nil {
			a.log.WithError(err).WithField("mailbox", box.Mailbox).Warn("failed to get mailbox status")
		} else {
			if st.NumMessages != nil {
				l.MessagesTotal = int64(*st.NumMessages)
			}
			if st.NumUnseen != nil {
				l.MessagesUnread = int64(*st.NumUnseen)
			}
		}
		labels = append(labels, l)
	}
	return labels, nil
}

// Send submits raw over SMTP to every To, Cc and Bcc recipient.
func (a *Adapter) Send(ctx context.Context, raw []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	env, err := envelope(raw)
	if err != nil {
		return "", err
	}
	if env.from == "" {
		env.from = a.cfg.Username
	}

	addr := a.cfg.Host + ":" + a.cfg.SMTPPort
	var client *smtp.Client
	if a.cfg.TLS {
		client, err = smtp.DialTLS(addr, a.tlsConfig())
	} else {
		client, err = smtp.Dial(addr)
	}
	if err != nil {
		return "", wrapError(fmt.Errorf("smtp dial %s: %w", addr, err))
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return "", wrapError(fmt.Errorf("smtp hello: %w", err))
	}
	if a.cfg.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", a.cfg.Username, a.cfg.Password)); err != nil {
			return "", &mailsync.ProviderError{Provider: mailsync.ProviderIMAP, Kind: mailsync.ErrKindAuth, Err: fmt.Errorf("smtp auth: %w", err)}
		}
	}
	if err := client.Mail(env.from, nil); err != nil {
		return "", wrapError(fmt.Errorf("smtp mail: %w", err))
	}
	for _, rcpt := range env.rcpt {
		if err := client.Rcpt(rcpt); err != nil {
			return "", wrapError(fmt.Errorf("smtp rcpt %s: %w", rcpt, err))
		}
	}

	w, err := client.Data()
	if err != nil {
		return "", wrapError(fmt.Errorf("smtp data: %w", err))
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return "", wrapError(fmt.Errorf("smtp write: %w", err))
	}
	if err := w.Close(); err != nil {
		return "", wrapError(fmt.Errorf("smtp data: %w", err))
	}
	if err := client.Quit(); err != nil {
		a.log.WithError(err).Debug("smtp quit failed")
	}
	return env.messageID, nil
}

type smtpEnvelope struct {
	from      string
	rcpt      []string
	messageID string
}

// envelope reads the sender and recipients from the message headers.
func envelope(raw []byte) (*smtpEnvelope, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("reading message headers: %w", err)
	}
	defer mr.Close()

	env := &smtpEnvelope{}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		env.from = from[0].Address
	}
	for _, field := range []string{"To", "Cc", "Bcc"} {
		addrs, err := mr.Header.AddressList(field)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", field, err)
		}
		for _, addr := range addrs {
			env.rcpt = append(env.rcpt, addr.Address)
		}
	}
	if len(env.rcpt) == 0 {
		return nil, fmt.Errorf("message has no recipients")
	}
	env.messageID, _ = mr.Header.MessageID()
	return env, nil
}

// labelsFromFlags maps IMAP flags onto engine labels.
func labelsFromFlags(flags []imap.Flag) []string {
	labels := []string{mailsync.LabelInbox}
	if !slices.Contains(flags, imap.FlagSeen) {
		labels = append(labels, mailsync.LabelUnread)
	}
	if slices.Contains(flags, imap.FlagFlagged) {
		labels = append(labels, "STARRED")
	}
	if slices.Contains(flags, imap.FlagDeleted) {
		labels = append(labels, mailsync.LabelTrash)
	}
	return labels
}

func pageOf(uids []imap.UID, offset, size int) ([]imap.UID, string) {
	if offset >= len(uids) {
		return nil, ""
	}
	end := len(uids)
	if size > 0 {
		end = min(offset+size, len(uids))
	}
	next := ""
	if end < len(uids) {
		next = strconv.Itoa(end)
	}
	return uids[offset:end], next
}

func formatUIDs(uids []imap.UID) []string {
	ids := make([]string, len(uids))
	for i, uid := range uids {
		ids[i] = strconv.FormatUint(uint64(uid), 10)
	}
	return ids
}

func parseUID(id string) (imap.UID, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid UID %q", id)
	}
	return imap.UID(n), nil
}

func wrapError(err error) error {
	return &mailsync.ProviderError{Provider: mailsync.ProviderIMAP, Kind: mailsync.ErrKindServer, Retryable: true, Err: err}
}
