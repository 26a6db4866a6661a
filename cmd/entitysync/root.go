package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nhle/entitysync/internal/adapter"
	"github.com/nhle/entitysync/internal/logging"
	"github.com/nhle/entitysync/internal/model"
	"github.com/nhle/entitysync/internal/store"
	"github.com/nhle/entitysync/internal/sync"
)

// app holds what every subcommand needs once the config is loaded.
type app struct {
	cfgPath string

	cfg    *model.AppConfig
	logger *slog.Logger
	store  *store.SQLStore
	coord  *sync.Coordinator
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:          "entitysync",
		Short:        "Administer the entity sync engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.close()
		},
	}

	cmd.PersistentFlags().StringVar(&a.cfgPath, "config", model.DefaultConfigPath(), "path to the config file")

	cmd.AddCommand(
		newStatusCmd(a),
		newUnlinkCmd(a),
		newResetCmd(a),
		newMailboxCmd(a),
		newDeviceCmd(a),
	)
	return cmd
}

func (a *app) open() error {
	cfg, err := model.LoadConfig(a.cfgPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}
	slog.SetDefault(logger)
	a.logger = logger

	if cfg.Database.Driver == model.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0o755); err != nil {
			return fmt.Errorf("creating database directory: %w", err)
		}
	}
	s, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	a.store = s

	a.coord = sync.NewCoordinator(s, adapter.DefaultRegistry(),
		sync.WithLogger(logger),
		sync.WithMaxBatch(cfg.Sync.MaxBatch),
	)
	return nil
}

func (a *app) close() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}
