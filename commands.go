package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailmirror/internal/api"
	"github.com/Martian-dev/mailmirror/internal/app"
	"github.com/Martian-dev/mailmirror/internal/auth"
	"github.com/Martian-dev/mailmirror/internal/codec"
	"github.com/Martian-dev/mailmirror/internal/config"
	"github.com/Martian-dev/mailmirror/internal/hooks"
	"github.com/Martian-dev/mailmirror/internal/outbound"
	"github.com/Martian-dev/mailmirror/internal/providers/gmail"
	"github.com/Martian-dev/mailmirror/internal/query"
)

func (c *cli) syncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the local mirror with the remote mailbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := c.openRemote(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.ConnectEvents(ctx); err != nil {
				logrus.WithError(err).Warn("event publishing unavailable, events stay queued")
			}
			res, err := a.Manager.SyncNow(ctx, a.SyncKey())
			if err != nil {
				return err
			}
			if a.Runner.Publisher != nil {
				if _, err := a.Runner.DispatchOnce(ctx, 1000); err != nil {
					return err
				}
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func (c *cli) listCommand() *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "list [count]",
		Short: "List messages in the local mirror, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count := query.NoLimit
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 0 {
					return fmt.Errorf("count must be a non-negative integer, got %q", args[0])
				}
				count = n
			}

			ctx := cmd.Context()
			a, err := c.openLocal(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			msgs, err := a.Reader.List(ctx, count, label)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range msgs {
				printSummary(out, m)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "Only list messages carrying this label")
	return cmd
}

func (c *cli) showCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one message from the local mirror",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.openLocal(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			msg, err := a.Reader.Load(ctx, args[0])
			if err != nil {
				return err
			}
			printMessage(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func (c *cli) labelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "labels",
		Short: "List labels with total and unread counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := c.openLocal(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			labels, err := a.Reader.Labels(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, l := range labels {
				fmt.Fprintf(out, "%-30s %6d total %6d unread\n", l.Name, l.MessagesTotal, l.MessagesUnread)
			}
			return nil
		},
	}
}

func (c *cli) sendCommand() *cobra.Command {
	var d outbound.Draft
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message through the configured backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if d.Body == "-" {
				body, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read body: %w", err)
				}
				d.Body = string(body)
			}

			ctx := cmd.Context()
			a, err := c.openRemote(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.Outbound.Send(ctx, d)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&d.To, "to", "", "Recipient address")
	cmd.Flags().StringVar(&d.Subject, "subject", "", "Subject line")
	cmd.Flags().StringVar(&d.Body, "body", "", "Message body, or - to read it from stdin")
	cmd.Flags().StringVar(&d.From, "from", "", "Sender address (defaults to the configured from)")
	return cmd
}

func (c *cli) serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background sync loop and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := c.openRemote(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.ConnectEvents(ctx); err != nil {
				logrus.WithError(err).Warn("event publishing unavailable, events stay queued")
			}

			var verifier *auth.JWTVerifier
			if c.cfg.API.JWKSURL != "" {
				verifier, err = auth.NewJWTVerifier(ctx, c.cfg.API.JWKSURL)
				if err != nil {
					return err
				}
			}

			breaker, _ := a.Source.(api.BreakerState)
			srv := api.NewServer(api.Options{
				Mailbox:  c.cfg.Mailbox,
				SyncKey:  a.SyncKey(),
				Reader:   a.Reader,
				Syncer:   a.Manager,
				Status:   a.Index,
				Sender:   a.Outbound,
				Breaker:  breaker,
				Verifier: verifier,
			})

			if err := a.Manager.Start(ctx, a.SyncKey()); err != nil {
				return err
			}
			defer a.Manager.StopAll()

			return srv.Run(ctx, c.cfg.API.Addr)
		},
	}
	cmd.Flags().BoolVarP(&c.quiet, "quiet", "q", false, "Log to the log file only")
	return cmd
}

func (c *cli) loginCommand() *cobra.Command {
	var password, token, brokerToken string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store backend credentials in the system keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			creds, err := c.credentials()
			if err != nil {
				return err
			}
			account := app.Account(c.cfg)
			out := cmd.OutOrStdout()

			if brokerToken != "" {
				if err := creds.SavePassword(app.BrokerAccount(c.cfg), brokerToken); err != nil {
					return err
				}
				fmt.Fprintln(out, "stored token broker credentials")
				return nil
			}

			switch c.cfg.Backend {
			case config.BackendGmail:
				if c.cfg.Gmail.ClientID == "" {
					return fmt.Errorf("%w: gmail.client_id is required to log in", config.ErrInvalid)
				}
				oauthCfg := gmail.OAuthConfig(app.GmailConfig(c.cfg))
				url := oauthCfg.AuthCodeURL("mailmirror", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
				fmt.Fprintf(out, "Open this URL and paste the authorization code:\n\n  %s\n\ncode: ", url)
				code, err := readLine(cmd.InOrStdin())
				if err != nil {
					return err
				}
				tok, err := oauthCfg.Exchange(cmd.Context(), code)
				if err != nil {
					return fmt.Errorf("failed to exchange authorization code: %w", err)
				}
				if err := creds.SaveToken(account, tok); err != nil {
					return err
				}

			case config.BackendOutlook:
				if token == "" {
					return errors.New("--token is required for outlook")
				}
				if err := creds.SaveToken(account, &oauth2.Token{AccessToken: token, TokenType: "Bearer"}); err != nil {
					return err
				}

			default:
				if password == "" {
					fmt.Fprintf(out, "password for %s: ", c.cfg.IMAP.Username)
					if password, err = readLine(cmd.InOrStdin()); err != nil {
						return err
					}
				}
				if err := creds.SavePassword(account, password); err != nil {
					return err
				}
			}
			fmt.Fprintf(out, "stored credentials for %s\n", account)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "IMAP password (prompted when empty)")
	cmd.Flags().StringVar(&token, "token", "", "Microsoft Graph access token")
	cmd.Flags().StringVar(&brokerToken, "broker-token", "", "Bearer token for the configured token broker")
	return cmd
}

func (c *cli) nullCommand() *cobra.Command {
	var hookName string
	cmd := &cobra.Command{
		Use:   "null",
		Short: "Run stdin through a hook chain and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := hooks.ParseHook(hookName)
			if err != nil {
				return err
			}
			body, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read body: %w", err)
			}

			chain := app.BuildHooks(c.cfg.Hooks)
			out, err := chain.Run(cmd.Context(), h, string(body))
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&hookName, "hook", string(hooks.BeforeSend), "Hook to run")
	return cmd
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func printSummary(w io.Writer, m *codec.Message) {
	marker := " "
	if m.Unread {
		marker = "*"
	}
	fmt.Fprintf(w, "%s %-40s %-30s %s\n", marker, m.ID, m.From.String(), m.Subject)
}

func printMessage(w io.Writer, m *codec.Message) {
	fmt.Fprintf(w, "From:    %s\n", m.From.String())
	fmt.Fprintf(w, "To:      %s\n", m.To)
	fmt.Fprintf(w, "Date:    %s\n", m.Date)
	fmt.Fprintf(w, "Subject: %s\n\n", m.Subject)
	fmt.Fprintln(w, m.Body)
	for _, att := range m.Attachments {
		fmt.Fprintf(w, "[attachment] %s (%s, %d bytes)\n", att.Filename, att.ContentType, len(att.Data))
	}
}
