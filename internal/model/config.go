package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Database drivers understood by store.Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects and locates the backing database.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver" yaml:"driver"`

	// DSN is a file path for sqlite or a connection string for postgres.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// SyncConfig tunes the sync engine and its change sink.
type SyncConfig struct {
	// SinkPollIntervalSec is how long the change sink sleeps between polls.
	SinkPollIntervalSec int `mapstructure:"sink_poll_interval_sec" yaml:"sink_poll_interval_sec"`

	// SinkTimeoutSec is the default upper bound a sink wait may block.
	SinkTimeoutSec int `mapstructure:"sink_timeout_sec" yaml:"sink_timeout_sec"`

	// MaxBatch caps the number of changes exported per cycle (0 = no cap).
	MaxBatch int `mapstructure:"max_batch" yaml:"max_batch"`
}

// LogConfig holds structured logging preferences.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MailboxConfig describes one IMAP mailbox imported as a sync partner.
type MailboxConfig struct {
	// ID is the unique identifier for this mailbox source.
	ID string `mapstructure:"id" yaml:"id"`

	// AccountID and OwnerID place imported messages in the entity store.
	AccountID string `mapstructure:"account_id" yaml:"account_id"`
	OwnerID   string `mapstructure:"owner_id" yaml:"owner_id"`

	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	TLS      bool   `mapstructure:"tls" yaml:"tls"`

	// Mailbox is the IMAP mailbox name (e.g. "INBOX").
	Mailbox string `mapstructure:"mailbox" yaml:"mailbox"`

	// PollIntervalSec is how often (in seconds) to import the mailbox.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Mailboxes []MailboxConfig `mapstructure:"mailboxes" yaml:"mailboxes"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/entitysync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "entitysync", "config.yaml")
}

// DefaultDatabasePath returns the default sqlite database location.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "entitysync.db")
	}
	return filepath.Join(home, ".local", "share", "entitysync", "entitysync.db")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			DSN:    DefaultDatabasePath(),
		},
		Sync: SyncConfig{
			SinkPollIntervalSec: 5,
			SinkTimeoutSec:      30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Mailboxes: []MailboxConfig{},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.dsn", DefaultDatabasePath())
	v.SetDefault("sync.sink_poll_interval_sec", 5)
	v.SetDefault("sync.sink_timeout_sec", 30)
	v.SetDefault("sync.max_batch", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetEnvPrefix("ENTITYSYNC")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	// Apply defaults for each mailbox entry.
	for i := range cfg.Mailboxes {
		if cfg.Mailboxes[i].PollIntervalSec == 0 {
			cfg.Mailboxes[i].PollIntervalSec = 120
		}
		if cfg.Mailboxes[i].Mailbox == "" {
			cfg.Mailboxes[i].Mailbox = "INBOX"
		}
		if cfg.Mailboxes[i].Port == "" {
			cfg.Mailboxes[i].Port = "993"
		}
		if !cfg.Mailboxes[i].TLS {
			// Viper unmarshals missing bools as false; treat unset as true.
			key := fmt.Sprintf("mailboxes.%d.tls", i)
			if !v.IsSet(key) {
				cfg.Mailboxes[i].TLS = true
			}
		}
	}

	return cfg, nil
}

func (c *AppConfig) validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Sync.SinkPollIntervalSec < 1 {
		return fmt.Errorf("sync.sink_poll_interval_sec must be positive")
	}
	if c.Sync.MaxBatch < 0 {
		return fmt.Errorf("sync.max_batch must not be negative")
	}
	for i, mb := range c.Mailboxes {
		if mb.ID == "" || mb.Host == "" || mb.AccountID == "" {
			return fmt.Errorf("mailboxes[%d]: id, host and account_id are required", i)
		}
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database", cfg.Database)
	v.Set("sync", cfg.Sync)
	v.Set("log", cfg.Log)
	v.Set("mailboxes", cfg.Mailboxes)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
