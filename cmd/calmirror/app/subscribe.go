package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/calmirror/calmirror/internal/config"
	"github.com/calmirror/calmirror/internal/scheduler"
	"github.com/calmirror/calmirror/internal/subscription"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Open the notification channel",
	Long: `Open a push-notification channel on the source calendar and run an initial
sync. With an in-process scheduler the renewal only happens while "serve" is
running, so production deployments should configure a task queue.`,
	RunE: runSubscribe,
}

var unsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe",
	Short: "Stop the notification channel",
	Long: `Stop the active push-notification channel and clear the subscription
record. Mirrored events are left in place; use "purge" to remove them.`,
	RunE: runUnsubscribe,
}

func init() {
	for _, cmd := range []*cobra.Command{subscribeCmd, unsubscribeCmd} {
		cmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
		if err := cmd.MarkFlagRequired("config"); err != nil {
			slog.Error("Failed to mark config flag as required", "error", err)
			os.Exit(1)
		}
	}
}

// buildManager wires a subscription manager for the one-shot commands. The
// sync callback runs the engine directly so a fresh subscription starts with
// a complete mirror.
func buildManager(ctx context.Context, configPath string) (*subscription.Manager, func(), error) {
	rt, err := buildRuntime(ctx, configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg := rt.cfg

	callbackToken, err := cfg.GetCallbackToken()
	if err != nil {
		return nil, nil, err
	}

	if cfg.SchedulerType() == config.SchedulerTypeTimer {
		slog.Warn("In-process scheduler configured: channel renewals only run under 'serve'")
	}
	sched, closeSched, err := buildScheduler(cfg, func(context.Context, scheduler.Task) {})
	if err != nil {
		return nil, nil, err
	}

	subCfg := subscription.Config{
		SourceCalendar: cfg.Calendars.Source,
		CallbackToken:  callbackToken,
		ChannelTTL:     cfg.ChannelTTL(),
		RenewalMargin:  cfg.RenewalMargin(),
		OneShot:        cfg.SubscriptionOneShot(),
		LockTTL:        cfg.LockTTL(),
	}
	if cfg.Subscription != nil {
		subCfg.CallbackURL = cfg.Subscription.CallbackURL
	}

	manager := subscription.New(rt.provider, rt.locker, rt.states, sched, subCfg,
		subscription.WithSyncFunc(func(ctx context.Context, reason subscription.SyncReason) {
			rt.engine.Run(ctx, syncTrigger(reason))
		}))
	return manager, closeSched, nil
}

func runSubscribe(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	manager, done, err := buildManager(ctx, configPath)
	if err != nil {
		return err
	}
	defer done()

	sub, err := manager.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	slog.Info("Subscription active",
		"channel_id", sub.ChannelID,
		"resource_id", sub.ResourceID,
		"expiry", sub.Expiry)
	return nil
}

func runUnsubscribe(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	manager, done, err := buildManager(ctx, configPath)
	if err != nil {
		return err
	}
	defer done()

	if err := manager.Unsubscribe(ctx); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}

	slog.Info("Subscription removed")
	return nil
}
