// Package engine orchestrates one sync run end to end: acquire the lock,
// fetch source changes (incremental where the cursor allows), reconcile
// against the mirrored target events, apply the plan, and persist the new
// cursor. The lock is released on every exit path; the cursor advances only
// when application completed without a fatal error.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/calmirror/calmirror/internal/calendar"
	"github.com/calmirror/calmirror/internal/lock"
	"github.com/calmirror/calmirror/internal/obfuscate"
	"github.com/calmirror/calmirror/internal/otel"
	"github.com/calmirror/calmirror/internal/reconcile"
	"github.com/calmirror/calmirror/internal/state"
	"github.com/calmirror/calmirror/internal/status"
	"github.com/calmirror/calmirror/internal/telemetry"
)

// Trigger identifies what started a sync run.
type Trigger string

const (
	// TriggerNotification is a provider push notification.
	TriggerNotification Trigger = "notification"

	// TriggerRenewal follows a completed channel renewal.
	TriggerRenewal Trigger = "renewal"

	// TriggerManual is an operator-initiated run.
	TriggerManual Trigger = "manual"

	// TriggerPeriodic is the scheduled fallback run.
	TriggerPeriodic Trigger = "periodic"
)

// Outcome classifies how a run ended.
type Outcome string

const (
	// OutcomeApplied means the run completed and the cursor advanced.
	OutcomeApplied Outcome = "applied"

	// OutcomeSkipped means the run did not execute; Reason says why.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeFailed means the run aborted; the cursor did not advance.
	OutcomeFailed Outcome = "failed"
)

// Skip and failure reasons.
const (
	ReasonLockBusy        = "lock-busy"
	ReasonSameCalendar    = "source-equals-target"
	ReasonLockUnavailable = "lock-backend-unavailable"
	ReasonFetchFailed     = "fetch-failed"
	ReasonApplyFailed     = "apply-failed"
	ReasonCursorNotSaved  = "cursor-not-saved"
)

// Result describes the outcome of one sync run.
type Result struct {
	Outcome Outcome
	Reason  string

	// Operation counts for an applied run.
	Created int
	Updated int
	Deleted int

	// FullSync reports whether the run fetched the full source window
	// rather than an incremental change feed.
	FullSync bool

	Err error
}

func skipped(reason string) Result {
	return Result{Outcome: OutcomeSkipped, Reason: reason}
}

func failed(reason string, err error) Result {
	return Result{Outcome: OutcomeFailed, Reason: reason, Err: err}
}

// Config carries the static parameters of the sync engine.
type Config struct {
	// SourceCalendar is the calendar events are mirrored from.
	SourceCalendar string

	// TargetCalendar is the calendar mirrored events are written to.
	TargetCalendar string

	// LockTTL bounds how long a crashed run can block later ones. It
	// should cover the worst-case run time with margin.
	LockTTL time.Duration

	// Window bounds full fetches: events that ended more than Window
	// before the run start are left out. Zero means unbounded.
	Window time.Duration

	// AllowSameCalendar permits mirroring a calendar onto itself. Only
	// useful for local testing; in production it produces a feedback loop.
	AllowSameCalendar bool
}

// DefaultLockTTL is used when Config.LockTTL is zero.
const DefaultLockTTL = 5 * time.Minute

// Engine runs the synchronization.
type Engine struct {
	provider calendar.Provider
	locker   *lock.Locker
	states   *state.Store
	policy   obfuscate.Policy
	cfg      Config
	metrics  *telemetry.SyncMetrics
	tracer   trace.Tracer
	recorder *status.Recorder
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics attaches sync metrics to the engine.
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithPolicy overrides the default obfuscation policy.
func WithPolicy(p obfuscate.Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithTracer attaches a tracer to sync runs. A nil tracer disables tracing.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithStatusRecorder persists the outcome of each executed run.
func WithStatusRecorder(r *status.Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// New creates a sync engine.
func New(provider calendar.Provider, locker *lock.Locker, states *state.Store, cfg Config, opts ...Option) *Engine {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	e := &Engine{
		provider: provider,
		locker:   locker,
		states:   states,
		policy:   obfuscate.DefaultPolicy(),
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one sync run. Concurrent invocations are expected: whichever
// caller loses the lock race returns Skipped and relies on the winner to
// cover the same changes.
func (e *Engine) Run(ctx context.Context, trigger Trigger) Result {
	ctx, span := otel.StartSpan(ctx, e.tracer, "sync.run",
		trace.WithAttributes(otel.AttrSyncTrigger.String(string(trigger))))
	defer span.End()

	start := e.now()
	result := e.run(ctx, trigger)

	span.SetAttributes(
		otel.AttrSyncOutcome.String(string(result.Outcome)),
		otel.AttrSyncFull.Bool(result.FullSync),
		otel.AttrCreatedCount.Int(result.Created),
		otel.AttrUpdatedCount.Int(result.Updated),
		otel.AttrDeletedCount.Int(result.Deleted),
	)
	otel.RecordError(span, result.Err)

	duration := e.now().Sub(start)
	switch result.Outcome {
	case OutcomeApplied:
		slog.Info("Sync run applied",
			"trigger", trigger,
			"created", result.Created,
			"updated", result.Updated,
			"deleted", result.Deleted,
			"full_sync", result.FullSync,
			"duration", duration)
		e.metrics.RecordSyncDuration(ctx, string(trigger), duration, true)
		e.metrics.RecordOperations(ctx, result.Created, result.Updated, result.Deleted)
	case OutcomeSkipped:
		slog.Debug("Sync run skipped", "trigger", trigger, "reason", result.Reason)
		e.metrics.RecordSkip(ctx, result.Reason)
	case OutcomeFailed:
		slog.Error("Sync run failed",
			"trigger", trigger,
			"reason", result.Reason,
			"error", result.Err)
		e.metrics.RecordSyncDuration(ctx, string(trigger), duration, false)
	}

	e.recordStatus(ctx, start, result)
	return result
}

// recordStatus persists the run outcome for the status endpoint. Skipped runs
// are not recorded: the lock holder's own record covers them.
func (e *Engine) recordStatus(ctx context.Context, start time.Time, result Result) {
	if e.recorder == nil || result.Outcome == OutcomeSkipped {
		return
	}

	record := &status.SyncStatus{
		LastAttemptAt: start,
		Outcome:       string(result.Outcome),
		Reason:        result.Reason,
		Created:       result.Created,
		Updated:       result.Updated,
		Deleted:       result.Deleted,
	}
	if result.Outcome == OutcomeApplied {
		record.LastSuccessAt = start
	}
	if result.Err != nil {
		record.Error = result.Err.Error()
	}
	if err := e.recorder.Record(ctx, record); err != nil {
		slog.Warn("Failed to record sync status", "error", err)
	}
}

func (e *Engine) run(ctx context.Context, trigger Trigger) Result {
	if e.cfg.SourceCalendar == e.cfg.TargetCalendar && !e.cfg.AllowSameCalendar {
		return failed(ReasonSameCalendar,
			fmt.Errorf("refusing to mirror calendar %q onto itself", e.cfg.SourceCalendar))
	}

	token, err := e.locker.Acquire(ctx, e.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			// A concurrent run is in progress; this trigger is redundant or
			// will be covered by the holder's fetch.
			return skipped(ReasonLockBusy)
		}
		return failed(ReasonLockUnavailable, err)
	}
	defer func() {
		// Release must happen even when the trigger's context is gone;
		// the TTL is only the last-resort safety net.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := e.locker.Release(releaseCtx, token); err != nil {
			slog.Error("Failed to release sync lock", "error", err)
		}
	}()

	return e.synchronize(ctx, trigger)
}

// synchronize is the critical section: the caller holds the lock.
func (e *Engine) synchronize(ctx context.Context, _ Trigger) Result {
	sub, err := e.states.LoadSubscription(ctx)
	if err != nil {
		return failed(ReasonFetchFailed, err)
	}
	cursor, err := e.states.LoadCursor(ctx)
	if err != nil {
		return failed(ReasonFetchFailed, err)
	}

	// A cursor is only valid for the channel that produced it; a channel
	// swap forces one full resync.
	channelID := ""
	if sub != nil {
		channelID = sub.ChannelID
	}
	full := cursor == nil || cursor.ChannelID != channelID
	if cursor != nil && full {
		slog.Info("Cursor belongs to a superseded channel, forcing full sync",
			"cursor_channel", cursor.ChannelID,
			"current_channel", channelID)
	}

	source, nextCursor, err := e.fetchSource(ctx, cursor, &full)
	if err != nil {
		return failed(ReasonFetchFailed, err)
	}

	targets, _, err := e.provider.ListEvents(ctx, e.cfg.TargetCalendar, calendar.ListOptions{MirroredOnly: true})
	if err != nil {
		return failed(ReasonFetchFailed, err)
	}

	plan := reconcile.Diff(source, targets, e.policy, full)
	created, updated, deleted, applyErr := e.apply(ctx, plan)

	if applyErr != nil {
		// The cursor must never advance past changes that were not durably
		// applied; a later run re-fetches from the same point.
		return Result{
			Outcome:  OutcomeFailed,
			Reason:   ReasonApplyFailed,
			Created:  created,
			Updated:  updated,
			Deleted:  deleted,
			FullSync: full,
			Err:      applyErr,
		}
	}

	if nextCursor != "" {
		err := e.states.SaveCursor(ctx, &state.Cursor{
			Token:     nextCursor,
			ChannelID: channelID,
			UpdatedAt: e.now().UTC(),
		})
		if err != nil {
			return failed(ReasonCursorNotSaved, err)
		}
	}

	return Result{
		Outcome:  OutcomeApplied,
		Created:  created,
		Updated:  updated,
		Deleted:  deleted,
		FullSync: full,
	}
}

// fetchSource lists the source events, incrementally when a valid cursor
// exists. A provider-side cursor invalidation (the token expired or the
// channel changed server-side) demotes the run to a full fetch.
func (e *Engine) fetchSource(ctx context.Context, cursor *state.Cursor, full *bool) ([]calendar.Event, string, error) {
	if !*full {
		events, next, err := e.provider.ListEvents(ctx, e.cfg.SourceCalendar,
			calendar.ListOptions{Cursor: cursor.Token})
		if err == nil {
			return events, next, nil
		}
		if !calendar.IsCursorInvalid(err) {
			return nil, "", err
		}
		slog.Info("Sync cursor invalidated by provider, falling back to full fetch")
		*full = true
	}

	opts := calendar.ListOptions{}
	if e.cfg.Window > 0 {
		opts.MinEndTime = e.now().Add(-e.cfg.Window)
	}
	return e.provider.ListEvents(ctx, e.cfg.SourceCalendar, opts)
}

// apply executes the plan against the target calendar. Operations are
// independent: one failure does not roll back or stop the others, it only
// prevents the cursor from advancing. The first error is reported.
func (e *Engine) apply(ctx context.Context, plan reconcile.Plan) (created, updated, deleted int, firstErr error) {
	record := func(op, origin string, err error) {
		slog.Error("Failed to apply calendar operation",
			"op", op,
			"origin", origin,
			"error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("%s of event %s: %w", op, origin, err)
		}
	}

	for _, ev := range plan.Creates {
		if err := e.provider.CreateEvent(ctx, e.cfg.TargetCalendar, ev); err != nil {
			record("create", ev.Origin(), err)
			continue
		}
		created++
	}
	for _, ev := range plan.Updates {
		if err := e.provider.UpdateEvent(ctx, e.cfg.TargetCalendar, ev); err != nil {
			record("update", ev.Origin(), err)
			continue
		}
		updated++
	}
	for _, ev := range plan.Deletes {
		if err := e.provider.DeleteEvent(ctx, e.cfg.TargetCalendar, ev.ID); err != nil {
			record("delete", ev.Origin(), err)
			continue
		}
		deleted++
	}
	return created, updated, deleted, firstErr
}

// Purge deletes every mirrored event from the target calendar and clears
// the cursor, forcing the next run to rebuild the mirror from scratch. It
// runs under the sync lock like any other mutation.
func (e *Engine) Purge(ctx context.Context) (int, error) {
	token, err := e.locker.Acquire(ctx, e.cfg.LockTTL)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := e.locker.Release(releaseCtx, token); err != nil {
			slog.Error("Failed to release sync lock", "error", err)
		}
	}()

	targets, _, err := e.provider.ListEvents(ctx, e.cfg.TargetCalendar, calendar.ListOptions{MirroredOnly: true})
	if err != nil {
		return 0, fmt.Errorf("failed to list mirrored events: %w", err)
	}

	removed := 0
	var firstErr error
	for _, ev := range targets {
		if ev.Cancelled() {
			continue
		}
		if err := e.provider.DeleteEvent(ctx, e.cfg.TargetCalendar, ev.ID); err != nil {
			slog.Error("Failed to delete mirrored event", "id", ev.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	if firstErr != nil {
		return removed, firstErr
	}

	if err := e.states.ClearCursor(ctx); err != nil {
		return removed, err
	}
	slog.Info("Purged mirrored events", "count", removed)
	return removed, nil
}
