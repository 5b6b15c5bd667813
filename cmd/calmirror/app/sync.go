package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/calmirror/calmirror/internal/engine"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync and exit",
	Long: `Run a single synchronization of the mirror and exit. Useful for cron-style
deployments and for forcing a catch-up after configuration changes.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	if err := syncCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
		os.Exit(1)
	}
}

func runSync(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	rt, err := buildRuntime(ctx, configPath)
	if err != nil {
		return err
	}

	res := rt.engine.Run(ctx, engine.TriggerManual)
	switch res.Outcome {
	case engine.OutcomeApplied:
		return nil
	case engine.OutcomeSkipped:
		return fmt.Errorf("sync skipped: %s", res.Reason)
	default:
		return fmt.Errorf("sync failed (%s): %w", res.Reason, res.Err)
	}
}
