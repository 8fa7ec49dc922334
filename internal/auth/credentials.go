package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"
)

const serviceName = "mailmirror"

// ErrNoCredential is returned when nothing is stored under a key.
var ErrNoCredential = errors.New("credential not found")

// Credentials stores OAuth tokens and passwords in the system keyring.
type Credentials struct {
	ring keyring.Keyring
}

// OpenKeyring opens the platform keyring, falling back to an encrypted file
// store under fileDir.
func OpenKeyring(fileDir string) (*Credentials, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(serviceName + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Credentials{ring: ring}, nil
}

// NewCredentials wraps an already opened keyring.
func NewCredentials(ring keyring.Keyring) *Credentials {
	return &Credentials{ring: ring}
}

func tokenKey(account string) string    { return "oauth:" + account }
func passwordKey(account string) string { return "password:" + account }

// SaveToken stores tok for account.
func (c *Credentials) SaveToken(account string, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	return c.set(tokenKey(account), data)
}

// Token loads the stored token for account.
func (c *Credentials) Token(account string) (*oauth2.Token, error) {
	data, err := c.get(tokenKey(account))
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decoding token for %q: %w", account, err)
	}
	return &tok, nil
}

// SavePassword stores a plain password for account.
func (c *Credentials) SavePassword(account, password string) error {
	return c.set(passwordKey(account), []byte(password))
}

// Password loads the stored password for account.
func (c *Credentials) Password(account string) (string, error) {
	data, err := c.get(passwordKey(account))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Forget removes everything stored for account. Missing entries are ignored.
func (c *Credentials) Forget(account string) error {
	for _, key := range []string{tokenKey(account), passwordKey(account)} {
		if err := c.ring.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("deleting credential %q: %w", key, err)
		}
	}
	return nil
}

// PersistingTokenSource writes refreshed tokens back to the keyring.
func (c *Credentials) PersistingTokenSource(account string, src oauth2.TokenSource) oauth2.TokenSource {
	return &persistingSource{creds: c, account: account, src: src}
}

type persistingSource struct {
	mu      sync.Mutex
	creds   *Credentials
	account string
	src     oauth2.TokenSource
	last    string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tok, err := p.src.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != p.last {
		if err := p.creds.SaveToken(p.account, tok); err != nil {
			return nil, err
		}
		p.last = tok.AccessToken
	}
	return tok, nil
}

func (c *Credentials) get(key string) ([]byte, error) {
	item, err := c.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("%q: %w", key, ErrNoCredential)
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential %q: %w", key, err)
	}
	return item.Data, nil
}

func (c *Credentials) set(key string, data []byte) error {
	if err := c.ring.Set(keyring.Item{Key: key, Data: data}); err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}
