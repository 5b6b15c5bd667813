package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	otelglobal "go.opentelemetry.io/otel"

	"github.com/calmirror/calmirror/internal/api"
	"github.com/calmirror/calmirror/internal/config"
	"github.com/calmirror/calmirror/internal/engine"
	"github.com/calmirror/calmirror/internal/lock"
	"github.com/calmirror/calmirror/internal/scheduler"
	"github.com/calmirror/calmirror/internal/subscription"
	"github.com/calmirror/calmirror/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mirror webhook server",
	Long: `Start the HTTP server that receives push notifications and renewal tasks
for the mirrored calendar.

The server requires a configuration file (--config) that specifies:
- Source and target calendars and the provider endpoint
- State storage (S3-compatible bucket or in-memory)
- Subscription callback and renewal scheduling settings`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second // Kubernetes-friendly shutdown time
	serverRequestTimeout   = 25 * time.Second // Webhook handlers run a full sync inline
	serverReadTimeout      = 10 * time.Second // Enough for headers and small requests
	serverWriteTimeout     = 30 * time.Second // Must be > serverRequestTimeout to let middleware handle timeout
	serverIdleTimeout      = 60 * time.Second // Keep connections alive for reuse

	// renewalRetryDelay is how long the in-process scheduler waits before
	// redelivering a renewal task that lost the sync lock.
	renewalRetryDelay = time.Minute
)

func init() {
	serveCmd.Flags().String("address", "", "Address to listen on (overrides config)")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		slog.Error("Failed to bind address flag", "error", err)
		os.Exit(1)
	}
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		slog.Error("Failed to bind config flag", "error", err)
		os.Exit(1)
	}

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	metrics, err := telemetry.NewSyncMetrics(otelglobal.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create sync metrics: %w", err)
	}

	rt, err := buildRuntime(ctx, viper.GetString("config"),
		engine.WithMetrics(metrics),
		engine.WithTracer(otelglobal.Tracer("github.com/calmirror/calmirror/sync")))
	if err != nil {
		return err
	}
	cfg := rt.cfg

	callbackToken, err := cfg.GetCallbackToken()
	if err != nil {
		return err
	}

	// The timer scheduler calls back into the manager, which is built after
	// the scheduler; both pointers are settled before any task can fire.
	var (
		manager *subscription.Manager
		sched   scheduler.Scheduler
	)
	sched, closeSched, err := buildScheduler(cfg, func(ctx context.Context, task scheduler.Task) {
		err := manager.HandleRenewal(ctx, task.ChannelID)
		switch {
		case err == nil:
		case errors.Is(err, lock.ErrBusy):
			if _, rerr := sched.Schedule(ctx, time.Now().Add(renewalRetryDelay), task); rerr != nil {
				slog.Error("Failed to reschedule renewal task", "error", rerr)
			}
		case errors.Is(err, subscription.ErrStaleChannel), errors.Is(err, subscription.ErrNotSubscribed):
			slog.Info("Dropping renewal task for stale channel", "channel_id", task.ChannelID)
		default:
			slog.Error("Channel renewal failed", "channel_id", task.ChannelID, "error", err)
		}
	})
	if err != nil {
		return err
	}
	defer closeSched()

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
	manager = subscription.New(rt.provider, rt.locker, rt.states, sched, subCfg,
		subscription.WithSyncFunc(func(ctx context.Context, reason subscription.SyncReason) {
			rt.engine.Run(ctx, syncTrigger(reason))
		}))

	server := &http.Server{
		Addr: listenAddress(cfg),
		Handler: api.NewServer(manager, callbackToken,
			api.WithStatusReader(rt.status),
			api.WithMiddlewares(
				middleware.RequestID,
				middleware.RealIP,
				api.LoggingMiddleware,
				middleware.Recoverer,
				middleware.Timeout(serverRequestTimeout),
			)),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	// Catch up on anything missed while the server was down.
	go rt.engine.Run(ctx, engine.TriggerManual)

	// Periodic fallback syncs bound staleness when notifications get lost.
	var coord *engine.Coordinator
	if interval := cfg.SyncInterval(); interval > 0 {
		coord = engine.NewCoordinator(rt.engine, interval)
		go func() {
			if err := coord.Start(ctx); err != nil {
				slog.Error("Periodic sync coordinator failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting mirror webhook server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-stop:
		slog.Info("Shutting down", "signal", sig.String())
	}

	if coord != nil {
		if err := coord.Stop(); err != nil {
			slog.Error("Failed to stop periodic sync coordinator", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, defaultGracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

func listenAddress(cfg *config.Config) string {
	if addr := viper.GetString("address"); addr != "" {
		return addr
	}
	return cfg.ServerAddress()
}
