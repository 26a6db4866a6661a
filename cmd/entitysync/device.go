package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/nhle/entitysync/internal/adapter"
	"github.com/nhle/entitysync/internal/devicesync"
	"github.com/nhle/entitysync/internal/theme"
)

func newDeviceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Inspect and register devices",
	}
	cmd.AddCommand(
		newDeviceConfigCmd(a),
		newDeviceFoldersCmd(a),
		newDeviceWaitCmd(a),
	)
	return cmd
}

func (a *app) backend(accountID string) *devicesync.Backend {
	return devicesync.NewBackend(a.coord, accountID,
		devicesync.WithLogger(a.logger),
		devicesync.WithSinkInterval(time.Duration(a.cfg.Sync.SinkPollIntervalSec)*time.Second),
	)
}

// registerMailboxes adds every configured mailbox folder to the registry.
func (a *app) registerMailboxes() {
	for _, mb := range a.cfg.Mailboxes {
		a.coord.Registry().AddMailbox(adapter.Folder{ID: mb.ID, Name: mb.Mailbox})
	}
}

func newDeviceConfigCmd(a *app) *cobra.Command {
	var accountID, ownerID string

	cmd := &cobra.Command{
		Use:   "config <device-id>",
		Short: "Register a device as a sync partner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.backend(accountID).Config(cmd.Context(), args[0], ownerID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "device %s owned by %s (last sync %s)\n",
				p.ID, p.OwnerID, formatTime(p.LastSync))
			return nil
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "account the device belongs to")
	cmd.Flags().StringVar(&ownerID, "owner", "", "user that owns the device")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

// folderTable collects a folder hierarchy export into table rows.
type folderTable struct {
	rows [][]string
}

func (t *folderTable) ImportFolderChange(_ context.Context, f adapter.Folder) error {
	parent := f.ParentID
	if parent == "" {
		parent = "-"
	}
	t.rows = append(t.rows, []string{f.ID, parent, f.Name, string(f.Type)})
	return nil
}

func (t *folderTable) ImportFolderDeletion(_ context.Context, folderID string) error {
	t.rows = append(t.rows, []string{folderID, "", theme.ErrorStyle.Render("deleted"), ""})
	return nil
}

func newDeviceFoldersCmd(a *app) *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "folders",
		Short: "Show the folder hierarchy a device would receive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a.registerMailboxes()

			h := a.backend("").HierarchyExporter()
			if err := h.Config(state); err != nil {
				return err
			}

			out := &folderTable{}
			if h.InitializeExporter(out) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), theme.HelpStyle.Render("hierarchy is up to date"))
				return nil
			}
			for {
				_, more, err := h.Synchronize(ctx)
				if err != nil {
					return err
				}
				if !more {
					break
				}
			}

			t := table.New().
				Border(lipgloss.RoundedBorder()).
				BorderStyle(theme.BorderStyle).
				Headers("FOLDER", "PARENT", "NAME", "TYPE").
				Rows(out.rows...).
				StyleFunc(func(row, _ int) lipgloss.Style {
					if row == table.HeaderRow {
						return theme.HeaderStyle
					}
					return theme.CellStyle
				})
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())

			next, err := h.GetState()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), theme.HelpStyle.Render("state: "+next))
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "hierarchy state token the device holds")
	return cmd
}

func newDeviceWaitCmd(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait <device-id> <folder-id>...",
		Short: "Block until one of a device's folders has changes to export",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if timeout <= 0 {
				timeout = time.Duration(a.cfg.Sync.SinkTimeoutSec) * time.Second
			}
			a.registerMailboxes()

			sink := a.backend("").Sink(args[0])
			sink.Watch(args[1:]...)

			changed, err := sink.Wait(cmd.Context(), timeout)
			if err != nil {
				return err
			}
			if len(changed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), theme.HelpStyle.Render("no changes"))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(changed, "\n"))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait (defaults to sync.sink_timeout_sec)")
	return cmd
}
