package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tokentrack/ledgerdb/internal/orchestrator"
	"github.com/tokentrack/ledgerdb/internal/ui"
	"github.com/tokentrack/ledgerdb/internal/upgrade"
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Bring the database to the current schema version",
	Long: `Run the startup sequence against the reference database.

This recovers from any interrupted upgrade, creates the database at the
latest layout if it does not exist yet, and otherwise runs the pending
schema upgrade steps one at a time. Each step takes a timestamped backup
first, so a failure restores the previous state.

Pending content updates compatible with the old schema are applied before
steps that change the content format, so no published version is lost.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := context.Background()

		db := openDB(cfg)
		defer db.Close()

		orch := orchestrator.New(db, newFetcher(cfg), cfg.Logger("[orchestrator] "), upgradeProgress{})

		before, hadVersion, err := db.SchemaVersion(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading schema version: %v\n", err)
			os.Exit(1)
		}

		if err := orch.Startup(ctx); err != nil {
			switch {
			case errors.Is(err, upgrade.ErrSchemaTooOld):
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				fmt.Fprintf(os.Stderr, "Upgrade with an older release first, then retry.\n")
			case errors.Is(err, upgrade.ErrSchemaTooNew):
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				fmt.Fprintf(os.Stderr, "This database belongs to a newer release.\n")
			default:
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			os.Exit(1)
		}

		switch {
		case !hadVersion:
			fmt.Printf("%s Initialized fresh database at schema v%d\n",
				ui.RenderPass("✓"), upgrade.TargetVersion)
		case before == upgrade.TargetVersion:
			fmt.Printf("%s Already at schema v%d\n", ui.RenderPass("✓"), before)
		default:
			fmt.Printf("%s Upgraded schema v%d -> v%d\n",
				ui.RenderPass("✓"), before, upgrade.TargetVersion)
		}
	},
}

// upgradeProgress prints step completions to the terminal.
type upgradeProgress struct {
	orchestrator.NopEvents
}

func (upgradeProgress) UpgradeStep(from, to int) {
	fmt.Printf("   %s v%d -> v%d\n", ui.RenderAccent("step"), from, to)
}

func init() {
	rootCmd.AddCommand(upgradeCmd)
}
