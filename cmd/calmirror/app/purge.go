package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete all mirrored events from the target calendar",
	Long: `Delete every event this service created on the target calendar and clear
the sync cursor. The next sync rebuilds the mirror from scratch. Events not
created by this service are never touched.`,
	RunE: runPurge,
}

func init() {
	purgeCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	purgeCmd.Flags().Bool("yes", false, "Skip the confirmation prompt")
	if err := purgeCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
		os.Exit(1)
	}
}

func runPurge(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	confirmed, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return err
	}

	rt, err := buildRuntime(ctx, configPath)
	if err != nil {
		return err
	}

	if !confirmed {
		fmt.Printf("This deletes all mirrored events on %s. Continue? [y/N] ", rt.cfg.Calendars.Target)
		var answer string
		if _, err := fmt.Fscanln(cmd.InOrStdin(), &answer); err != nil || (answer != "y" && answer != "Y") {
			fmt.Println("Aborted.")
			return nil
		}
	}

	removed, err := rt.engine.Purge(ctx)
	if err != nil {
		return fmt.Errorf("purge failed after removing %d events: %w", removed, err)
	}

	slog.Info("Purge complete", "removed", removed)
	return nil
}
