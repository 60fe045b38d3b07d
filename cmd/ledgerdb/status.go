package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tokentrack/ledgerdb/internal/content"
	"github.com/tokentrack/ledgerdb/internal/ui"
	"github.com/tokentrack/ledgerdb/internal/upgrade"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database schema and content versions",
	Long: `Display the current state of the reference database.

Shows:
  - Database file location and size
  - Schema version vs the version this build targets
  - Applied content and RPC node list versions
  - Pending remote content, unless --offline is given`,
	Run: func(cmd *cobra.Command, args []string) {
		offline, _ := cmd.Flags().GetBool("offline")
		cfg := loadConfig()
		ctx := context.Background()

		info, err := os.Stat(cfg.GlobalDBPath())
		if os.IsNotExist(err) {
			fmt.Printf("\n%s Database not initialized at %s\n", ui.RenderWarn("⚠"), cfg.GlobalDBPath())
			fmt.Printf("   Run 'ledgerdb upgrade' to create it\n\n")
			return
		}

		db := openDB(cfg)
		defer db.Close()

		fmt.Printf("\n%s\n", ui.RenderHeading("Database"))
		fmt.Printf("   Path: %s\n", cfg.GlobalDBPath())
		fmt.Printf("   Size: %d KB\n", info.Size()/1024)

		version, ok, err := db.SchemaVersion(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading schema version: %v\n", err)
			os.Exit(1)
		}
		switch {
		case !ok:
			fmt.Printf("   Schema: %s\n", ui.RenderWarn("uninitialized"))
		case version == upgrade.TargetVersion:
			fmt.Printf("   Schema: %s\n", ui.RenderPass(fmt.Sprintf("v%d (current)", version)))
		case version < upgrade.TargetVersion:
			fmt.Printf("   Schema: %s\n", ui.RenderWarn(fmt.Sprintf("v%d (target v%d, run 'ledgerdb upgrade')", version, upgrade.TargetVersion)))
		default:
			fmt.Printf("   Schema: %s\n", ui.RenderFail(fmt.Sprintf("v%d (newer than this build's v%d)", version, upgrade.TargetVersion)))
		}

		assetsVersion, err := db.GetSettingInt(ctx, content.AssetsVersionKey, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading content version: %v\n", err)
			os.Exit(1)
		}
		nodesVersion, _ := db.GetSettingInt(ctx, content.RPCNodesVersionKey, 0)

		fmt.Printf("\n%s\n", ui.RenderHeading("Content"))
		fmt.Printf("   Assets: v%d\n", assetsVersion)
		fmt.Printf("   RPC nodes: v%d\n", nodesVersion)

		if offline {
			fmt.Println()
			return
		}

		updater := contentUpdater(cfg, db)
		local, remote, changes, err := updater.CheckForUpdates(ctx)
		if err != nil {
			fmt.Printf("   Remote: %s\n\n", ui.RenderDim(fmt.Sprintf("unreachable (%v)", err)))
			return
		}
		if remote <= local {
			fmt.Printf("   Remote: %s\n\n", ui.RenderPass(fmt.Sprintf("up to date at v%d", local)))
			return
		}
		fmt.Printf("   Remote: %s\n\n",
			ui.RenderWarn(fmt.Sprintf("v%d available (%d changes), run 'ledgerdb update'", remote, changes)))
	},
}

func init() {
	statusCmd.Flags().Bool("offline", false, "Skip the remote manifest check")
	rootCmd.AddCommand(statusCmd)
}
