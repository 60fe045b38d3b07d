// ledgerdb manages the shared reference database of a portfolio-tracking
// client: schema upgrades, remote content synchronization, and the
// background daemon and dashboard around them.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tokentrack/ledgerdb/internal/config"
	"github.com/tokentrack/ledgerdb/internal/content"
	"github.com/tokentrack/ledgerdb/internal/globaldb"
)

var dataDirFlag string

var rootCmd = &cobra.Command{
	Use:   "ledgerdb",
	Short: "Reference database upgrade and content sync engine",
	Long: `ledgerdb maintains the local reference database: it upgrades the
schema across versions with backup-protected steps, pulls published
content updates with conflict-aware merging, and keeps the default RPC
node list reconciled.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	defaultDataDir := "."
	if home, err := os.UserHomeDir(); err == nil {
		defaultDataDir = filepath.Join(home, ".ledgerdb")
	}
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", defaultDataDir,
		"Directory holding the database, backups and config")
}

// loadConfig resolves configuration for the selected data directory.
func loadConfig() *config.Config {
	cfg, err := config.Load(dataDirFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openDB opens the reference database for a command, exiting on failure.
func openDB(cfg *config.Config) *globaldb.DB {
	db, err := globaldb.Open(cfg.GlobalDBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	return db
}

// newFetcher builds the HTTP fetcher for the configured content branch.
func newFetcher(cfg *config.Config) content.Fetcher {
	return content.NewHTTPFetcher(cfg.RemoteRoot())
}

// contentUpdater builds a content updater bound to db.
func contentUpdater(cfg *config.Config, db *globaldb.DB) *content.Updater {
	return content.NewUpdater(db, newFetcher(cfg), cfg.Logger("[content] "))
}
