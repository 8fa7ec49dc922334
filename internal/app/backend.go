package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailmirror/internal/auth"
	"github.com/Martian-dev/mailmirror/internal/config"
	"github.com/Martian-dev/mailmirror/internal/providers/gmail"
	"github.com/Martian-dev/mailmirror/internal/providers/imap"
	"github.com/Martian-dev/mailmirror/internal/providers/outlook"
	"github.com/Martian-dev/mailmirror/internal/sync"
)

// ErrNotLoggedIn is returned when the keyring holds no credential for the
// configured backend.
var ErrNotLoggedIn = errors.New("no stored credentials, run `mailmirror login` first")

// Account is the keyring key of the backend credential for cfg.
func Account(cfg *config.Config) string {
	return cfg.Backend + ":" + cfg.Mailbox
}

// BrokerAccount is the keyring key of the bearer used with a token broker.
func BrokerAccount(cfg *config.Config) string {
	return "broker:" + cfg.Mailbox
}

// ProviderFor maps a configured backend to its provider name.
func ProviderFor(backend string) (sync.ProviderName, error) {
	switch backend {
	case config.BackendGmail:
		return sync.ProviderGoogle, nil
	case config.BackendOutlook:
		return sync.ProviderMicrosoft, nil
	case config.BackendIMAP:
		return sync.ProviderIMAP, nil
	}
	return "", fmt.Errorf("%w: unknown backend %q", config.ErrInvalid, backend)
}

// GmailConfig is the adapter configuration derived from cfg.
func GmailConfig(cfg *config.Config) gmail.Config {
	return gmail.Config{
		ClientID:     cfg.Gmail.ClientID,
		ClientSecret: cfg.Gmail.ClientSecret,
		RedirectURL:  cfg.Gmail.RedirectURL,
		User:         cfg.Gmail.User,
		Folder:       cfg.Folder,
	}
}

// NewSource connects the configured backend using stored credentials.
func NewSource(ctx context.Context, cfg *config.Config, creds *auth.Credentials) (sync.Source, sync.ProviderName, error) {
	if err := cfg.ValidateBackend(); err != nil {
		return nil, "", err
	}
	provider, err := ProviderFor(cfg.Backend)
	if err != nil {
		return nil, "", err
	}

	switch provider {
	case sync.ProviderGoogle:
		ts, err := gmailTokenSource(ctx, cfg, creds)
		if err != nil {
			return nil, "", err
		}
		src, err := gmail.NewWithOptions(ctx, GmailConfig(cfg), option.WithTokenSource(ts))
		if err != nil {
			return nil, "", err
		}
		return src, provider, nil

	case sync.ProviderMicrosoft:
		token, err := outlookAccessToken(ctx, cfg, creds)
		if err != nil {
			return nil, "", err
		}
		src, err := outlook.New(ctx, token, cfg.Outlook.UserID)
		if err != nil {
			return nil, "", err
		}
		return src, provider, nil

	default:
		password := cfg.IMAP.Password
		if password == "" {
			password, err = creds.Password(Account(cfg))
			if errors.Is(err, auth.ErrNoCredential) {
				return nil, "", ErrNotLoggedIn
			}
			if err != nil {
				return nil, "", err
			}
		}
		return imap.New(imap.Config{
			Host:     cfg.IMAP.Host,
			Port:     strconv.Itoa(cfg.IMAP.Port),
			SMTPPort: strconv.Itoa(cfg.IMAP.SMTPPort),
			Username: cfg.IMAP.Username,
			Password: password,
			TLS:      cfg.IMAP.TLS,
			Insecure: cfg.IMAP.Insecure,
			Folder:   cfg.Folder,
		}), provider, nil
	}
}

func gmailTokenSource(ctx context.Context, cfg *config.Config, creds *auth.Credentials) (oauth2.TokenSource, error) {
	if cfg.Gmail.TokenURL != "" {
		bearer, err := brokerBearer(cfg, creds)
		if err != nil {
			return nil, err
		}
		return auth.NewBrokerClient(cfg.Gmail.TokenURL).TokenSource(ctx, bearer, auth.ProviderGoogle), nil
	}

	tok, err := creds.Token(Account(cfg))
	if errors.Is(err, auth.ErrNoCredential) {
		return nil, ErrNotLoggedIn
	}
	if err != nil {
		return nil, err
	}
	refreshing := gmail.OAuthConfig(GmailConfig(cfg)).TokenSource(ctx, tok)
	return oauth2.ReuseTokenSource(tok, creds.PersistingTokenSource(Account(cfg), refreshing)), nil
}

func outlookAccessToken(ctx context.Context, cfg *config.Config, creds *auth.Credentials) (string, error) {
	if cfg.Outlook.AccessToken != "" {
		return cfg.Outlook.AccessToken, nil
	}
	if cfg.Outlook.TokenURL != "" {
		bearer, err := brokerBearer(cfg, creds)
		if err != nil {
			return "", err
		}
		tok, err := auth.NewBrokerClient(cfg.Outlook.TokenURL).Token(ctx, bearer, auth.ProviderMicrosoft)
		if err != nil {
			return "", err
		}
		return tok.AccessToken, nil
	}

	tok, err := creds.Token(Account(cfg))
	if errors.Is(err, auth.ErrNoCredential) {
		return "", ErrNotLoggedIn
	}
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func brokerBearer(cfg *config.Config, creds *auth.Credentials) (string, error) {
	bearer, err := creds.Password(BrokerAccount(cfg))
	if errors.Is(err, auth.ErrNoCredential) {
		return "", ErrNotLoggedIn
	}
	return bearer, err
}
