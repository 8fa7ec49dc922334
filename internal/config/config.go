// Package config loads mailmirror settings from YAML, the environment and
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Martian-dev/mailmirror/internal/hooks"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Backend names accepted by Config.Backend.
const (
	BackendGmail     = "gmail"
	BackendOutlook   = "outlook"
	BackendIMAP      = "imap"
	BackendGreenMail = "greenmail"
)

// EnvPrefix prefixes every environment override, e.g. MAILMIRROR_IMAP_HOST.
const EnvPrefix = "MAILMIRROR"

// SyncConfig tunes the sync engine and runner.
type SyncConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	PageSize    int64         `mapstructure:"page_size"`
	Concurrency int           `mapstructure:"concurrency"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	Burst       int           `mapstructure:"burst"`
}

// GmailConfig holds the OAuth client used for the Gmail API.
type GmailConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`
	User         string `mapstructure:"user"`
	TokenURL     string `mapstructure:"token_url"`
}

// OutlookConfig holds the Microsoft Graph account.
type OutlookConfig struct {
	UserID      string `mapstructure:"user_id"`
	AccessToken string `mapstructure:"access_token"`
	TokenURL    string `mapstructure:"token_url"`
}

// IMAPConfig holds the IMAP and SMTP endpoints.
type IMAPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	TLS      bool   `mapstructure:"tls"`
	Insecure bool   `mapstructure:"insecure"`
}

// HooksConfig configures the hook chain. Commands are keyed by hook name.
type HooksConfig struct {
	Signature string              `mapstructure:"signature"`
	Commands  map[string][]string `mapstructure:"commands"`
}

// NATSConfig enables event publishing when URL is set.
type NATSConfig struct {
	URL    string        `mapstructure:"url"`
	Stream string        `mapstructure:"stream"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

// APIConfig configures the HTTP API served by `serve`.
type APIConfig struct {
	Addr    string `mapstructure:"addr"`
	JWKSURL string `mapstructure:"jwks_url"`
}

// Config is the top-level configuration.
type Config struct {
	Backend string `mapstructure:"backend"`
	Mailbox string `mapstructure:"mailbox"`
	Folder  string `mapstructure:"folder"`
	DataDir string `mapstructure:"data_dir"`
	From    string `mapstructure:"from"`
	LogFile string `mapstructure:"log_file"`

	Sync    SyncConfig    `mapstructure:"sync"`
	Gmail   GmailConfig   `mapstructure:"gmail"`
	Outlook OutlookConfig `mapstructure:"outlook"`
	IMAP    IMAPConfig    `mapstructure:"imap"`
	Hooks   HooksConfig   `mapstructure:"hooks"`
	NATS    NATSConfig    `mapstructure:"nats"`
	API     APIConfig     `mapstructure:"api"`
}

// SearchPaths returns the locations tried when no explicit file is given.
func SearchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mailmirror", "config.yaml"))
	}
	return append(paths, filepath.Join("/etc", "mailmirror", "config.yaml"))
}

// DefaultDataDir returns ~/.local/share/mailmirror, or ./data without a home.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".local", "share", "mailmirror")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendGmail)
	v.SetDefault("mailbox", "default")
	v.SetDefault("folder", "INBOX")
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("from", "")
	v.SetDefault("log_file", "")

	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.page_size", 500)
	v.SetDefault("sync.concurrency", 8)
	v.SetDefault("sync.rate_limit", 0.0)
	v.SetDefault("sync.burst", 0)

	v.SetDefault("gmail.client_id", "")
	v.SetDefault("gmail.client_secret", "")
	v.SetDefault("gmail.redirect_url", "urn:ietf:wg:oauth:2.0:oob")
	v.SetDefault("gmail.user", "me")
	v.SetDefault("gmail.token_url", "")

	v.SetDefault("outlook.user_id", "me")
	v.SetDefault("outlook.access_token", "")
	v.SetDefault("outlook.token_url", "")

	v.SetDefault("imap.host", "")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.smtp_port", 587)
	v.SetDefault("imap.username", "")
	v.SetDefault("imap.password", "")
	v.SetDefault("imap.tls", true)
	v.SetDefault("imap.insecure", false)

	v.SetDefault("hooks.signature", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "MAIL_EVENTS")
	v.SetDefault("nats.max_age", 30*24*time.Hour)

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.jwks_url", "")
}

// Load reads configuration from path, or from the first of SearchPaths that
// exists when path is empty. A missing file yields defaults. Environment
// variables prefixed with MAILMIRROR_ override file values, and a .env file
// in the working directory is loaded first.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path == "" {
		for _, candidate := range SearchPaths() {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			var pathErr *os.PathError
			if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetBackend overrides the configured backend, as --backend does.
func (c *Config) SetBackend(name string) error {
	c.Backend = name
	c.normalize()
	return c.Validate()
}

// normalize folds the greenmail alias into imap with GreenMail's defaults.
func (c *Config) normalize() {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend != BackendGreenMail {
		return
	}
	c.Backend = BackendIMAP
	if c.IMAP.Host == "" {
		c.IMAP.Host = "localhost"
	}
	if c.IMAP.Port == 993 {
		c.IMAP.Port = 3993
	}
	if c.IMAP.SMTPPort == 587 {
		c.IMAP.SMTPPort = 3025
	}
	c.IMAP.Insecure = true
}

// Validate checks settings every command depends on. Backend credentials are
// checked separately by ValidateBackend.
func (c *Config) Validate() error {
	if c.Mailbox == "" {
		return fmt.Errorf("%w: mailbox must not be empty", ErrInvalid)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir must not be empty", ErrInvalid)
	}
	if c.Sync.PageSize <= 0 || c.Sync.PageSize > 500 {
		return fmt.Errorf("%w: sync.page_size must be between 1 and 500", ErrInvalid)
	}
	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("%w: sync.concurrency must be positive", ErrInvalid)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("%w: sync.interval must be positive", ErrInvalid)
	}

	switch c.Backend {
	case BackendGmail, BackendOutlook, BackendIMAP:
	default:
		return fmt.Errorf("%w: unknown backend %q (available: gmail, outlook, imap, greenmail)", ErrInvalid, c.Backend)
	}

	for name := range c.Hooks.Commands {
		if _, err := hooks.ParseHook(name); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return nil
}

// ValidateBackend checks that the selected backend has what it needs to
// connect.
func (c *Config) ValidateBackend() error {
	switch c.Backend {
	case BackendGmail:
		if c.Gmail.TokenURL == "" && c.Gmail.ClientID == "" {
			return fmt.Errorf("%w: gmail needs client_id or token_url", ErrInvalid)
		}
	case BackendOutlook:
		if c.Outlook.UserID == "" {
			return fmt.Errorf("%w: outlook.user_id must not be empty", ErrInvalid)
		}
	case BackendIMAP:
		if c.IMAP.Host == "" || c.IMAP.Username == "" {
			return fmt.Errorf("%w: imap needs host and username", ErrInvalid)
		}
		if c.IMAP.Port <= 0 || c.IMAP.SMTPPort <= 0 {
			return fmt.Errorf("%w: imap ports must be positive", ErrInvalid)
		}
	}
	return nil
}

// MailboxDir is <data_dir>/<mailbox>.
func (c *Config) MailboxDir() string {
	return filepath.Join(c.DataDir, c.Mailbox)
}

// MaildirPath is where message blobs live.
func (c *Config) MaildirPath() string {
	return filepath.Join(c.MailboxDir(), "maildir")
}

// IndexPath is the SQLite metadata index.
func (c *Config) IndexPath() string {
	return filepath.Join(c.MailboxDir(), "index.db")
}

// CredentialsDir is the file keyring fallback location.
func (c *Config) CredentialsDir() string {
	return filepath.Join(c.DataDir, "credentials")
}
