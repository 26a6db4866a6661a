package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/nhle/entitysync/internal/model"
	"github.com/nhle/entitysync/internal/store"
	"github.com/nhle/entitysync/internal/theme"
)

func newStatusCmd(a *app) *cobra.Command {
	var accountID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show partners and the cursors of their collections",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			partners, err := a.store.ListPartners(ctx, accountID)
			if err != nil {
				return err
			}
			if len(partners) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), theme.HelpStyle.Render("no partners registered for "+accountID))
				return nil
			}

			var rows [][]string
			for _, p := range partners {
				cols, err := a.store.ListCollections(ctx, p.ID)
				if err != nil {
					return err
				}
				if len(cols) == 0 {
					rows = append(rows, []string{p.ID, p.OwnerID, formatTime(p.LastSync), "", "", "", ""})
					continue
				}
				for _, col := range cols {
					head, err := a.store.Head(ctx, store.CommitKey{AccountID: p.AccountID, ObjType: col.ObjType})
					if err != nil {
						return err
					}
					cursor := fmt.Sprintf("%d/%d", col.LastCommitID, head)
					rows = append(rows, []string{
						p.ID,
						p.OwnerID,
						formatTime(p.LastSync),
						col.ID,
						collectionLabel(col),
						theme.CursorStyle(col.LastCommitID < head).Render(cursor),
						strconv.FormatBool(col.Initialized),
					})
				}
			}

			t := table.New().
				Border(lipgloss.RoundedBorder()).
				BorderStyle(theme.BorderStyle).
				Headers("PARTNER", "OWNER", "LAST SYNC", "COLLECTION", "TYPE", "CURSOR/HEAD", "INITIALIZED").
				Rows(rows...).
				StyleFunc(func(row, _ int) lipgloss.Style {
					if row == table.HeaderRow {
						return theme.HeaderStyle
					}
					return theme.CellStyle
				})
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "account whose partners to list")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func collectionLabel(col model.Collection) string {
	if col.Scope.Kind == model.ScopeFieldEquals {
		return col.ObjType + " " + col.Scope.Field + "=" + col.Scope.Value
	}
	return col.ObjType
}
