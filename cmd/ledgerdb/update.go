package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/tokentrack/ledgerdb/internal/content"
	"github.com/tokentrack/ledgerdb/internal/ui"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Pull published content updates into the database",
	Long: `Fetch and apply published content updates (assets, collections,
collection memberships) version by version.

Records that collide with local edits become conflicts. Without a policy
flag the conflicts are presented interactively, one select per record,
and the run is retried with your decisions. A conflicted run never
touches the database.

Examples:
  ledgerdb update                  # interactive conflict resolution
  ledgerdb update --prefer-remote  # remote wins every collision
  ledgerdb update --up-to 35       # stop at content v35`,
	Run: func(cmd *cobra.Command, args []string) {
		preferRemote, _ := cmd.Flags().GetBool("prefer-remote")
		preferLocal, _ := cmd.Flags().GetBool("prefer-local")
		noInput, _ := cmd.Flags().GetBool("no-input")
		upTo, _ := cmd.Flags().GetInt("up-to")

		if preferRemote && preferLocal {
			fmt.Fprintf(os.Stderr, "Error: --prefer-remote and --prefer-local are mutually exclusive\n")
			os.Exit(1)
		}

		cfg := loadConfig()
		ctx := context.Background()

		db := openDB(cfg)
		defer db.Close()

		updater := contentUpdater(cfg, db)

		var policy content.ConflictPolicy
		switch {
		case preferRemote:
			policy = content.PreferRemote
		case preferLocal:
			policy = content.PreferLocal
		}

		result, err := updater.Update(ctx, policy, upTo)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if !result.Ok() {
			if noInput {
				fmt.Fprintf(os.Stderr, "%s %d unresolved conflicts, nothing applied\n",
					ui.RenderFail("✗"), len(result.Conflicts))
				printConflicts(result.Conflicts)
				os.Exit(1)
			}

			decisions, err := resolveInteractively(result.Conflicts)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			result, err = updater.Update(ctx, content.PolicyMap(decisions), upTo)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if !result.Ok() {
				fmt.Fprintf(os.Stderr, "%s %d conflicts remain unresolved, nothing applied\n",
					ui.RenderFail("✗"), len(result.Conflicts))
				os.Exit(1)
			}
		}

		fmt.Printf("%s Content at v%d (%d applied, %d skipped)\n",
			ui.RenderPass("✓"), result.TargetVersion, result.Applied, result.SkippedRecords)
	},
}

// resolveInteractively presents one select per conflict and collects the
// decisions for the retry.
func resolveInteractively(conflicts []content.ConflictEntry) (map[string]content.Resolution, error) {
	fmt.Printf("\n%s\n\n", ui.RenderHeading(fmt.Sprintf("%d conflicts need a decision", len(conflicts))))

	decisions := make(map[string]content.Resolution, len(conflicts))
	for _, c := range conflicts {
		var choice string
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("%s %s", c.Category, c.Identifier)).
				Description(renderConflict(c)).
				Options(
					huh.NewOption("Keep local version", "local"),
					huh.NewOption("Take remote version", "remote"),
				).
				Value(&choice),
		))
		if err := form.Run(); err != nil {
			return nil, fmt.Errorf("conflict resolution aborted: %w", err)
		}

		if choice == "remote" {
			decisions[c.Identifier] = content.ResolutionRemote
		} else {
			decisions[c.Identifier] = content.ResolutionLocal
		}
	}
	return decisions, nil
}

// renderConflict shows both sides of one collision.
func renderConflict(c content.ConflictEntry) string {
	local, _ := json.MarshalIndent(c.Local, "", "  ")
	remote, _ := json.MarshalIndent(c.Remote, "", "  ")
	return fmt.Sprintf("local:\n%s\n\nremote:\n%s", local, remote)
}

func printConflicts(conflicts []content.ConflictEntry) {
	for _, c := range conflicts {
		fmt.Fprintf(os.Stderr, "   %s %s\n", c.Category, c.Identifier)
	}
}

func init() {
	updateCmd.Flags().Bool("prefer-remote", false, "Resolve every conflict in favor of the remote record")
	updateCmd.Flags().Bool("prefer-local", false, "Resolve every conflict in favor of the local record")
	updateCmd.Flags().Bool("no-input", false, "Fail instead of prompting when conflicts occur")
	updateCmd.Flags().Int("up-to", 0, "Stop at this content version (0 = latest)")
	rootCmd.AddCommand(updateCmd)
}
