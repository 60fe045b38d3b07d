// Package config loads ledgerdb configuration from file, environment and
// defaults, and provides the shared logger factory.
//
// Configuration is resolved by viper in this order:
//  1. Explicit flags set by the CLI (via Set)
//  2. Environment variables prefixed with LEDGERDB_
//  3. ledgerdb.yaml in the data directory
//  4. Built-in defaults
package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultRemoteBase is the default location of the published content
// repository. Update files live under {base}/{branch}/updates/.
const DefaultRemoteBase = "https://raw.githubusercontent.com/tokentrack/content"

// GlobalDBName is the filename of the shared reference database.
const GlobalDBName = "global.db"

// Config holds all runtime configuration for the engine and its commands.
type Config struct {
	// DataDir is the directory holding the database, backups and logs.
	DataDir string

	// RemoteBase is the base URL of the content repository.
	RemoteBase string

	// Branch selects the published content branch (master for releases).
	Branch string

	// PollInterval is how often the daemon checks for content updates.
	PollInterval time.Duration

	// DashboardPort is the port the progress dashboard listens on.
	DashboardPort int

	// LogFile is the rotating log file path. Empty means stderr only.
	LogFile string

	// LogMaxSizeMB is the size at which the log file is rotated.
	LogMaxSizeMB int

	// LogMaxBackups is how many rotated log files to keep.
	LogMaxBackups int
}

// GlobalDBPath returns the full path of the shared reference database.
func (c *Config) GlobalDBPath() string {
	return filepath.Join(c.DataDir, GlobalDBName)
}

// RemoteRoot returns the branch-qualified remote root for update files.
func (c *Config) RemoteRoot() string {
	return fmt.Sprintf("%s/%s", c.RemoteBase, c.Branch)
}

// Load reads configuration for the given data directory.
//
// A missing config file is not an error; defaults and environment
// variables still apply.
func Load(dataDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("ledgerdb")
	v.SetConfigType("yaml")
	v.AddConfigPath(dataDir)
	v.SetEnvPrefix("LEDGERDB")
	v.AutomaticEnv()

	v.SetDefault("remote_base", DefaultRemoteBase)
	v.SetDefault("branch", "master")
	v.SetDefault("poll_interval", "30m")
	v.SetDefault("dashboard_port", 8350)
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 20)
	v.SetDefault("log_max_backups", 3)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		DataDir:       dataDir,
		RemoteBase:    v.GetString("remote_base"),
		Branch:        v.GetString("branch"),
		PollInterval:  v.GetDuration("poll_interval"),
		DashboardPort: v.GetInt("dashboard_port"),
		LogFile:       v.GetString("log_file"),
		LogMaxSizeMB:  v.GetInt("log_max_size_mb"),
		LogMaxBackups: v.GetInt("log_max_backups"),
	}

	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll_interval must be positive, got %s", cfg.PollInterval)
	}

	return cfg, nil
}

// Logger creates a logger with the given prefix, writing to stderr and,
// when a log file is configured, to a size-rotated file as well.
func (c *Config) Logger(prefix string) *log.Logger {
	var w io.Writer = os.Stderr
	if c.LogFile != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   c.LogFile,
			MaxSize:    c.LogMaxSizeMB,
			MaxBackups: c.LogMaxBackups,
		})
	}
	return log.New(w, prefix, log.LstdFlags)
}
