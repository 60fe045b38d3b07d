package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tokentrack/ledgerdb/internal/dashboard"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Start the real-time WebSocket dashboard server",
	Long: `Start a WebSocket dashboard server for monitoring database activity.

The server broadcasts upgrade and content update events to connected
clients:
- upgrade_step: a schema upgrade step completed
- content_update: a content update run finished
- conflicts: a content update run was discarded with unresolved conflicts
- pending_update: the daemon found newer remote content

Example usage:
  ledgerdb dashboard               # Start on the configured port
  ledgerdb dashboard --port 9000   # Start on a custom port

Connect with a WebSocket client:
  ws://localhost:8350/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		port := cfg.DashboardPort
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}

		server := dashboard.NewServer(&dashboard.Config{
			Port:   port,
			Logger: cfg.Logger("[dashboard] "),
		})

		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Dashboard server started on http://localhost:%d\n", port)
		fmt.Printf("WebSocket endpoint: ws://localhost:%d/ws\n", port)
		fmt.Printf("Health check: http://localhost:%d/health\n", port)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		<-ctx.Done()

		fmt.Println("\nShutting down dashboard server...")
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("Dashboard server stopped")
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8350, "Port to listen on")
	rootCmd.AddCommand(dashboardCmd)
}
