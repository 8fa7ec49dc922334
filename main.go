package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailmirror/internal/app"
	"github.com/Martian-dev/mailmirror/internal/auth"
	"github.com/Martian-dev/mailmirror/internal/config"
	"github.com/Martian-dev/mailmirror/internal/logging"
	"github.com/Martian-dev/mailmirror/internal/sync"
)

// cli carries global flags and the state built from them.
type cli struct {
	configPath string
	verbosity  int
	backend    string
	cpuProfile string
	quiet      bool

	cfg       *config.Config
	logCloser io.Closer
	profiler  interface{ Stop() }
}

func main() {
	c := &cli{}
	root := c.rootCommand()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "mailmirror",
		Short:         "Keep a local, offline mirror of a remote mailbox",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPreRunE:  c.setup,
		PersistentPostRunE: c.teardown,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "Path to the config file")
	flags.CountVarP(&c.verbosity, "verbose", "v", "Increase log verbosity (-v info, -vv debug, -vvv trace)")
	flags.StringVar(&c.backend, "backend", "", "Override the configured backend (gmail, outlook, imap, greenmail)")
	flags.StringVar(&c.cpuProfile, "cpuprofile", "", "Write a CPU profile into this directory")

	root.AddCommand(
		c.syncCommand(),
		c.listCommand(),
		c.showCommand(),
		c.labelsCommand(),
		c.sendCommand(),
		c.serveCommand(),
		c.loginCommand(),
		c.nullCommand(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.backend != "" {
		if err := cfg.SetBackend(c.backend); err != nil {
			return err
		}
	}
	c.cfg = cfg

	logPath := cfg.LogFile
	if logPath == "" {
		logPath = filepath.Join(cfg.DataDir, "mailmirror.log")
	}
	closer, err := logging.Setup(c.verbosity, logPath, c.quiet)
	if err != nil {
		return err
	}
	c.logCloser = closer

	if c.cpuProfile != "" {
		c.profiler = profile.Start(profile.CPUProfile, profile.ProfilePath(c.cpuProfile), profile.NoShutdownHook)
	}

	logrus.WithFields(logrus.Fields{
		"command": cmd.Name(),
		"backend": cfg.Backend,
		"mailbox": cfg.Mailbox,
	}).Debug("starting")
	return nil
}

func (c *cli) teardown(*cobra.Command, []string) error {
	if c.profiler != nil {
		c.profiler.Stop()
	}
	if c.logCloser != nil {
		return c.logCloser.Close()
	}
	return nil
}

func (c *cli) credentials() (*auth.Credentials, error) {
	return auth.OpenKeyring(c.cfg.CredentialsDir())
}

// openRemote wires the mailbox with a connected backend.
func (c *cli) openRemote(ctx context.Context) (*app.App, error) {
	creds, err := c.credentials()
	if err != nil {
		return nil, err
	}
	src, provider, err := app.NewSource(ctx, c.cfg, creds)
	if err != nil {
		return nil, err
	}
	return app.Open(c.cfg, src, provider)
}

// openLocal wires the mailbox for offline reads. Falls back to no backend
// when credentials are unavailable.
func (c *cli) openLocal(ctx context.Context) (*app.App, error) {
	a, err := c.openRemote(ctx)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, app.ErrNotLoggedIn) && !errors.Is(err, config.ErrInvalid) {
		logrus.WithError(err).Warn("backend unavailable, reading local mirror only")
	}
	provider, perr := app.ProviderFor(c.cfg.Backend)
	if perr != nil {
		return nil, perr
	}
	return app.Open(c.cfg, nil, provider)
}

func printResult(w io.Writer, res *sync.Result) {
	fmt.Fprintf(w, "%s sync: %d added, %d deleted, %d moved, %d skipped (cursor %d)\n",
		res.Mode, res.Added, res.Deleted, res.Moved, res.Skipped, res.Cursor)
}
