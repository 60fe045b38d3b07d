package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tokentrack/ledgerdb/internal/daemon"
	"github.com/tokentrack/ledgerdb/internal/dashboard"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background content-update checker",
	Long: `Run the update daemon in the foreground.

The daemon periodically checks the remote manifest for new content
versions and watches the database directory, so a restored backup or a
replaced database file triggers an immediate re-check. It reports
pending updates; applying them stays an explicit 'ledgerdb update'.

With --dashboard the daemon also serves the WebSocket dashboard and
publishes pending-update events to connected clients.`,
	Run: func(cmd *cobra.Command, args []string) {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		cfg := loadConfig()

		db := openDB(cfg)
		defer db.Close()

		updater := contentUpdater(cfg, db)

		daemonCfg := daemon.DefaultConfig()
		daemonCfg.PollInterval = cfg.PollInterval
		daemonCfg.Logger = cfg.Logger("[daemon] ")

		d, err := daemon.New(db, updater, daemonCfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if withDashboard {
			server := dashboard.NewServer(&dashboard.Config{
				Port:   cfg.DashboardPort,
				Logger: cfg.Logger("[dashboard] "),
			})
			if err := server.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
				os.Exit(1)
			}
			defer server.Stop()

			d.OnPending = server.PendingUpdate
			fmt.Printf("Dashboard: ws://localhost:%d/ws\n", cfg.DashboardPort)
		}

		fmt.Printf("Update daemon started (poll interval %s)\n", cfg.PollInterval)
		fmt.Println("Press Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Also serve the WebSocket dashboard")
	rootCmd.AddCommand(daemonCmd)
}
