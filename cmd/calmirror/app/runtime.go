package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/calmirror/calmirror/internal/blob"
	"github.com/calmirror/calmirror/internal/calendar"
	"github.com/calmirror/calmirror/internal/config"
	"github.com/calmirror/calmirror/internal/engine"
	"github.com/calmirror/calmirror/internal/lock"
	"github.com/calmirror/calmirror/internal/obfuscate"
	"github.com/calmirror/calmirror/internal/scheduler"
	"github.com/calmirror/calmirror/internal/state"
	"github.com/calmirror/calmirror/internal/status"
	"github.com/calmirror/calmirror/internal/subscription"
)

// lockKey is the blob key of the sync lock, shared by every instance working
// against the same state bucket.
const lockKey = "state/lock.json"

// appRuntime bundles the wired dependencies the commands operate on.
type appRuntime struct {
	cfg      *config.Config
	blobs    blob.Store
	locker   *lock.Locker
	states   *state.Store
	provider calendar.Provider
	engine   *engine.Engine
	status   *status.Recorder
}

// buildRuntime loads configuration and wires the storage, provider and sync
// engine every command needs.
func buildRuntime(ctx context.Context, configPath string, opts ...engine.Option) (*appRuntime, error) {
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	providerToken, err := cfg.GetProviderToken()
	if err != nil {
		return nil, err
	}
	provider := calendar.NewClient(cfg.Provider.Endpoint, calendar.WithToken(providerToken))

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	locker := lock.New(blobs, lockKey)
	states := state.NewStore(blobs)
	recorder := status.NewRecorder(blobs)

	opts = append(opts,
		engine.WithPolicy(obfuscationPolicy(cfg)),
		engine.WithStatusRecorder(recorder))
	eng := engine.New(provider, locker, states, engine.Config{
		SourceCalendar:    cfg.Calendars.Source,
		TargetCalendar:    cfg.Calendars.Target,
		AllowSameCalendar: cfg.Calendars.AllowSame,
		LockTTL:           cfg.LockTTL(),
		Window:            cfg.SyncWindow(),
	}, opts...)

	return &appRuntime{
		cfg:      cfg,
		blobs:    blobs,
		locker:   locker,
		states:   states,
		provider: provider,
		engine:   eng,
		status:   recorder,
	}, nil
}

func buildBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	if s3cfg := cfg.Storage.S3; s3cfg != nil {
		var opts []blob.S3Option
		if s3cfg.Region != "" {
			opts = append(opts, blob.WithRegion(s3cfg.Region))
		}
		if s3cfg.Endpoint != "" {
			opts = append(opts, blob.WithEndpoint(s3cfg.Endpoint))
		}
		if s3cfg.Prefix != "" {
			opts = append(opts, blob.WithPrefix(s3cfg.Prefix))
		}
		store, err := blob.NewS3Store(ctx, s3cfg.Bucket, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create object store: %w", err)
		}
		return store, nil
	}

	slog.Warn("Using in-memory state storage, state will not survive a restart")
	return blob.NewMemoryStore(), nil
}

// buildScheduler creates the renewal scheduler the configuration asks for.
// The fire callback is only used by the in-process timer backend; a remote
// queue delivers tasks over HTTP instead. The returned close function stops
// pending timers.
func buildScheduler(cfg *config.Config, fire func(context.Context, scheduler.Task)) (scheduler.Scheduler, func(), error) {
	if cfg.SchedulerType() == config.SchedulerTypeQueue {
		queueCfg := cfg.Scheduler.Queue
		token, err := cfg.GetQueueToken()
		if err != nil {
			return nil, nil, err
		}
		var opts []scheduler.QueueOption
		if token != "" {
			opts = append(opts, scheduler.WithQueueToken(token))
		}
		return scheduler.NewQueueScheduler(queueCfg.Endpoint, queueCfg.CallbackURL, opts...), func() {}, nil
	}

	timer := scheduler.NewTimerScheduler(fire)
	return timer, timer.Close, nil
}

// syncTrigger maps a subscription-driven sync cause onto the engine's
// trigger vocabulary.
func syncTrigger(reason subscription.SyncReason) engine.Trigger {
	switch reason {
	case subscription.SyncReasonNotification:
		return engine.TriggerNotification
	case subscription.SyncReasonRenewal:
		return engine.TriggerRenewal
	default:
		return engine.TriggerManual
	}
}

func obfuscationPolicy(cfg *config.Config) obfuscate.Policy {
	policy := obfuscate.DefaultPolicy()
	o := cfg.Obfuscation
	if o == nil {
		return policy
	}
	if o.Title != "" {
		policy.Title = o.Title
	}
	if o.Description != "" {
		policy.Description = o.Description
	}
	if o.CopyRecurrence != nil {
		policy.CopyRecurrence = *o.CopyRecurrence
	}
	policy.CopyLocation = o.CopyLocation
	return policy
}
