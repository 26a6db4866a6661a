package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nhle/entitysync/internal/adapter"
	"github.com/nhle/entitysync/internal/credential"
	"github.com/nhle/entitysync/internal/model"
	"github.com/nhle/entitysync/internal/source/email"
	"github.com/nhle/entitysync/internal/sync"
	"github.com/nhle/entitysync/internal/theme"
)

func newMailboxCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mailbox",
		Short: "Import IMAP mailboxes as sync partners",
	}
	cmd.AddCommand(
		newMailboxPasswordCmd(a),
		newMailboxSyncCmd(a),
		newMailboxWatchCmd(a),
	)
	return cmd
}

// mailboxes returns the configured mailboxes named by ids, or all of them.
func (a *app) mailboxes(ids []string) ([]model.MailboxConfig, error) {
	if len(ids) == 0 {
		return a.cfg.Mailboxes, nil
	}
	var out []model.MailboxConfig
	for _, id := range ids {
		i := slices.IndexFunc(a.cfg.Mailboxes, func(mb model.MailboxConfig) bool { return mb.ID == id })
		if i < 0 {
			return nil, fmt.Errorf("mailbox %q is not configured", id)
		}
		out = append(out, a.cfg.Mailboxes[i])
	}
	return out, nil
}

func newMailboxPasswordCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "password <mailbox-id>",
		Short: "Store a mailbox password in the system keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.mailboxes(args); err != nil {
				return err
			}
			password, err := readPassword(cmd)
			if err != nil {
				return err
			}
			creds, err := credential.Open()
			if err != nil {
				return err
			}
			return creds.SetMailboxPassword(args[0], password)
		},
	}
}

func readPassword(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// listers builds an IMAP lister for each mailbox from keyring passwords.
func listers(mailboxes []model.MailboxConfig) ([]*email.Lister, error) {
	creds, err := credential.Open()
	if err != nil {
		return nil, err
	}
	out := make([]*email.Lister, 0, len(mailboxes))
	for _, mb := range mailboxes {
		password, err := creds.MailboxPassword(mb.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, email.NewLister(mb, password))
	}
	return out, nil
}

func newMailboxSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [mailbox-id...]",
		Short: "Import configured mailboxes once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			mailboxes, err := a.mailboxes(args)
			if err != nil {
				return err
			}
			srcs, err := listers(mailboxes)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var failed int
			for i, mb := range mailboxes {
				a.coord.Registry().AddMailbox(adapter.Folder{ID: mb.ID, Name: mb.Mailbox})
				partnerID := sync.PartnerIDForMailbox(mb.ID)
				_, err := a.coord.ConfigPartner(ctx, model.Partner{
					ID:        partnerID,
					AccountID: mb.AccountID,
					OwnerID:   mb.OwnerID,
				})
				if err != nil {
					return err
				}

				report, err := a.coord.SyncListing(ctx, partnerID, mb.ID, srcs[i])
				if err != nil {
					failed++
					fmt.Fprintf(out, "%s %s\n", mb.ID, theme.ErrorStyle.Render(err.Error()))
					continue
				}
				fmt.Fprintf(out, "%s applied %d, failed %d\n", mb.ID, len(report.Applied), len(report.Failed))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d mailboxes failed", failed, len(mailboxes))
			}
			return nil
		},
	}
}

func newMailboxWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Poll every configured mailbox until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(a.cfg.Mailboxes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), theme.HelpStyle.Render("no mailboxes configured"))
				return nil
			}
			srcs, err := listers(a.cfg.Mailboxes)
			if err != nil {
				return err
			}

			poller := sync.NewPoller(a.coord, a.logger)
			for i, mb := range a.cfg.Mailboxes {
				poller.RegisterMailbox(srcs[i], mb)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := poller.Start(ctx); err != nil {
				return err
			}

			// SIGHUP forces an immediate sync of every mailbox.
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)

			for {
				select {
				case <-ctx.Done():
					poller.Stop()
					printStatuses(cmd, poller.GetStatuses())
					return nil
				case <-hup:
					poller.RefreshAll()
				case res := <-poller.Results():
					state := "idle"
					if res.Error != nil {
						state = "error"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s applied %d, failed %d\n",
						res.MailboxID,
						theme.StateStyle(state).Render(state),
						len(res.Report.Applied),
						len(res.Report.Failed),
					)
					if res.AuthFailed {
						fmt.Fprintln(cmd.OutOrStdout(), theme.HelpStyle.Render(
							"update the password with: entitysync mailbox password "+res.MailboxID))
					}
				}
			}
		},
	}
}

func printStatuses(cmd *cobra.Command, statuses []sync.SyncStatus) {
	for _, st := range statuses {
		state := st.State.String()
		line := fmt.Sprintf("%s %s last sync %s", st.MailboxID, theme.StateStyle(state).Render(state), formatTime(&st.LastSync))
		if st.Error != nil {
			line += " " + theme.ErrorStyle.Render(st.Error.Error())
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
}
