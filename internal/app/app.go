// Package app assembles one mailbox from configuration: local store, index,
// remote source, sync engine and the read and send paths.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailmirror/internal/config"
	"github.com/Martian-dev/mailmirror/internal/hooks"
	"github.com/Martian-dev/mailmirror/internal/index"
	natsjs "github.com/Martian-dev/mailmirror/internal/nats"
	"github.com/Martian-dev/mailmirror/internal/outbound"
	"github.com/Martian-dev/mailmirror/internal/query"
	"github.com/Martian-dev/mailmirror/internal/store"
	"github.com/Martian-dev/mailmirror/internal/sync"
)

// App is a fully wired mailbox.
type App struct {
	Config   *config.Config
	Provider sync.ProviderName
	Source   sync.Source

	Store    *store.Maildir
	Index    *index.Index
	Engine   *sync.Engine
	Runner   *sync.Runner
	Manager  *sync.Manager
	Reader   *query.Reader
	Outbound *outbound.Service
	Hooks    *hooks.Chain

	publisher *natsjs.Publisher
	log       *logrus.Entry
}

// Open wires src into a mailbox rooted at cfg's data directory.
func Open(cfg *config.Config, src sync.Source, provider sync.ProviderName) (*App, error) {
	if err := os.MkdirAll(cfg.MailboxDir(), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create mailbox directory: %w", err)
	}

	local, err := store.Open(cfg.MaildirPath())
	if err != nil {
		return nil, err
	}
	idx, err := index.Open(cfg.IndexPath())
	if err != nil {
		return nil, err
	}

	chain := BuildHooks(cfg.Hooks)

	engine := sync.NewEngine(src, local, idx, sync.Options{
		Mailbox:     cfg.Mailbox,
		Folder:      cfg.Folder,
		PageSize:    cfg.Sync.PageSize,
		Concurrency: cfg.Sync.Concurrency,
		RateLimit:   cfg.Sync.RateLimit,
		Burst:       cfg.Sync.Burst,
		Events:      cfg.NATS.URL != "",
	})

	runner := &sync.Runner{
		Mailbox:  cfg.Mailbox,
		Provider: provider,
		Engine:   engine,
		Status:   idx,
		Interval: cfg.Sync.Interval,
	}
	manager := sync.NewManager()
	if err := manager.Add(runner); err != nil {
		idx.Close()
		return nil, err
	}

	lister, _ := src.(sync.LabelLister)
	reader := query.New(local, idx, lister)
	reader.SetHooks(chain)

	sender, _ := src.(sync.Sender)

	return &App{
		Config:   cfg,
		Provider: provider,
		Source:   src,
		Store:    local,
		Index:    idx,
		Engine:   engine,
		Runner:   runner,
		Manager:  manager,
		Reader:   reader,
		Outbound: outbound.New(sender, chain, cfg.From),
		Hooks:    chain,
		log:      logrus.WithFields(logrus.Fields{"component": "app", "mailbox": cfg.Mailbox, "provider": provider}),
	}, nil
}

// SyncKey is the manager key of this mailbox's runner.
func (a *App) SyncKey() string {
	return sync.Key(a.Config.Mailbox, a.Provider)
}

// ConnectEvents attaches a JetStream publisher when nats.url is configured.
func (a *App) ConnectEvents(ctx context.Context) error {
	if a.Config.NATS.URL == "" {
		return nil
	}
	pub, err := natsjs.NewPublisher(natsjs.Options{
		URL:    a.Config.NATS.URL,
		Stream: a.Config.NATS.Stream,
		MaxAge: a.Config.NATS.MaxAge,
		Name:   "mailmirror-" + a.Config.Mailbox,
	})
	if err != nil {
		return err
	}
	if err := pub.EnsureStream(ctx); err != nil {
		pub.Close()
		return err
	}
	a.publisher = pub
	a.Runner.Publisher = pub
	a.log.WithField("stream", a.Config.NATS.Stream).Info("publishing mailbox events")
	return nil
}

// Close releases the index, the event publisher and the remote connection.
func (a *App) Close() error {
	var errs []error
	if a.publisher != nil {
		a.publisher.Close()
	}
	if c, ok := a.Source.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, a.Index.Close())
	return errors.Join(errs...)
}

// BuildHooks registers the signature and external command hooks.
func BuildHooks(cfg config.HooksConfig) *hooks.Chain {
	chain := hooks.NewChain()
	if cfg.Signature != "" {
		chain.Register(hooks.BeforeSend, "signature", hooks.Signature(cfg.Signature))
	}
	for _, h := range hooks.All {
		argv := cfg.Commands[string(h)]
		if len(argv) == 0 {
			continue
		}
		chain.Register(h, filepath.Base(argv[0]), hooks.Command(argv[0], argv[1:]...))
	}
	return chain
}
