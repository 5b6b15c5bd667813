// Package subscription manages the push-notification channel on the source
// calendar: opening it, renewing it before it expires, and validating the
// callbacks it produces. At most one channel is authoritative at any time;
// the persisted record is only mutated while holding the sync lock so that
// renewals, subscribes and unsubscribes cannot interleave.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/calmirror/calmirror/internal/calendar"
	"github.com/calmirror/calmirror/internal/lock"
	"github.com/calmirror/calmirror/internal/scheduler"
	"github.com/calmirror/calmirror/internal/state"
)

// Resource states delivered with push notifications.
const (
	// ResourceStateSync is the provider's acknowledgement that the channel
	// was created. It carries no event changes.
	ResourceStateSync = "sync"

	// ResourceStateExists signals a change to the watched resource.
	ResourceStateExists = "exists"

	// ResourceStateNotExists signals the watched resource was removed.
	ResourceStateNotExists = "not_exists"
)

// ErrStaleChannel indicates a callback referenced a channel that is no
// longer authoritative. Stale callbacks are expected after a renewal and
// must be acknowledged, not retried.
var ErrStaleChannel = errors.New("channel is not the authoritative channel")

// ErrNotSubscribed indicates an operation that requires an active
// subscription found none.
var ErrNotSubscribed = errors.New("no active subscription")

// Config carries the static parameters of the subscription manager.
type Config struct {
	// SourceCalendar is the calendar whose changes are watched.
	SourceCalendar string

	// CallbackURL is the HTTPS endpoint notifications are delivered to.
	CallbackURL string

	// CallbackToken is echoed back on every notification and verified at
	// the HTTP layer.
	CallbackToken string

	// ChannelTTL requests a channel lifetime; zero lets the provider pick
	// its maximum.
	ChannelTTL time.Duration

	// RenewalMargin is how long before expiry the renewal fires.
	RenewalMargin time.Duration

	// OneShot leaves the channel to expire without scheduling a renewal.
	OneShot bool

	// MaxScheduleHorizon caps how far in the future a renewal may be
	// scheduled, for queue backends with a bounded horizon.
	MaxScheduleHorizon time.Duration

	// LockTTL bounds the sync-lock hold for subscription mutations.
	LockTTL time.Duration
}

// Defaults applied when Config fields are zero. The schedule horizon matches
// the common task-queue limit of just under thirty days.
const (
	DefaultRenewalMargin      = time.Hour
	DefaultMaxScheduleHorizon = 29*24*time.Hour + 23*time.Hour
	DefaultLockTTL            = time.Minute
)

// SyncReason says which subscription change asks for the catch-up run.
type SyncReason string

const (
	// SyncReasonSubscribe follows a fresh subscription.
	SyncReasonSubscribe SyncReason = "subscribe"

	// SyncReasonNotification follows a change notification.
	SyncReasonNotification SyncReason = "notification"

	// SyncReasonRenewal follows a completed channel renewal, covering
	// notifications lost while the channels were swapped.
	SyncReasonRenewal SyncReason = "renewal"
)

// SyncFunc is invoked after subscription changes that require the mirror to
// catch up. It runs outside the sync lock.
type SyncFunc func(ctx context.Context, reason SyncReason)

// Manager drives the subscription state machine.
type Manager struct {
	provider calendar.Provider
	locker   *lock.Locker
	states   *state.Store
	sched    scheduler.Scheduler
	cfg      Config
	syncFn   SyncFunc
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithSyncFunc sets the callback that triggers a sync run after channel
// changes.
func WithSyncFunc(fn SyncFunc) Option {
	return func(m *Manager) {
		m.syncFn = fn
	}
}

// New creates a subscription manager.
func New(provider calendar.Provider, locker *lock.Locker, states *state.Store, sched scheduler.Scheduler, cfg Config, opts ...Option) *Manager {
	if cfg.RenewalMargin <= 0 {
		cfg.RenewalMargin = DefaultRenewalMargin
	}
	if cfg.MaxScheduleHorizon <= 0 {
		cfg.MaxScheduleHorizon = DefaultMaxScheduleHorizon
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	m := &Manager{
		provider: provider,
		locker:   locker,
		states:   states,
		sched:    sched,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe opens a notification channel on the source calendar and
// schedules its renewal. If an unexpired subscription already exists it is
// returned unchanged. A fresh subscription triggers a sync run so the mirror
// starts out complete.
func (m *Manager) Subscribe(ctx context.Context) (*state.Subscription, error) {
	var sub *state.Subscription
	fresh := false
	err := m.withLock(ctx, func(ctx context.Context) error {
		existing, err := m.states.LoadSubscription(ctx)
		if err != nil {
			return err
		}
		if existing != nil && existing.State == state.StateSubscribed && !existing.Expired(m.now()) {
			sub = existing
			return nil
		}

		created, err := m.openChannel(ctx)
		if err != nil {
			return err
		}
		sub = created
		fresh = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if fresh {
		m.triggerSync(ctx, SyncReasonSubscribe)
	}
	return sub, nil
}

// Unsubscribe stops the active channel and clears the subscription record.
// It is idempotent: a missing subscription is a no-op.
func (m *Manager) Unsubscribe(ctx context.Context) error {
	return m.withLock(ctx, func(ctx context.Context) error {
		sub, err := m.states.LoadSubscription(ctx)
		if err != nil {
			return err
		}
		if sub == nil || sub.State == state.StateUnsubscribed {
			return nil
		}

		if err := m.provider.Stop(ctx, sub.ChannelID, sub.ResourceID); err != nil {
			// The channel may already be gone; the record is cleared either
			// way so notifications from it are rejected as stale.
			slog.Warn("Failed to stop notification channel",
				"channel_id", sub.ChannelID,
				"error", err)
		}
		return m.states.ClearSubscription(ctx)
	})
}

// HandleNotification processes a push notification. Notifications carrying a
// non-authoritative channel id return ErrStaleChannel; callers acknowledge
// those without action so the provider stops redelivering them. A sync
// acknowledgement is logged and dropped; exists and not_exists trigger a
// sync run.
func (m *Manager) HandleNotification(ctx context.Context, channelID, resourceState string) error {
	sub, err := m.states.LoadSubscription(ctx)
	if err != nil {
		return err
	}
	if sub == nil || sub.ChannelID != channelID {
		return fmt.Errorf("%w: %s", ErrStaleChannel, channelID)
	}

	switch resourceState {
	case ResourceStateSync:
		slog.Info("Notification channel confirmed", "channel_id", channelID)
		return nil
	case ResourceStateExists, ResourceStateNotExists:
		m.triggerSync(ctx, SyncReasonNotification)
		return nil
	default:
		slog.Warn("Ignoring notification with unknown resource state",
			"channel_id", channelID,
			"resource_state", resourceState)
		return nil
	}
}

// HandleRenewal replaces the channel before it expires. The stale task check
// and the channel swap run under the sync lock; a busy lock propagates
// lock.ErrBusy so the caller can ask the scheduler to redeliver. After a
// successful swap a sync run covers any notifications lost in the gap.
func (m *Manager) HandleRenewal(ctx context.Context, channelID string) error {
	renewed := false
	err := m.withLock(ctx, func(ctx context.Context) error {
		sub, err := m.states.LoadSubscription(ctx)
		if err != nil {
			return err
		}
		if sub == nil || sub.State == state.StateUnsubscribed {
			return fmt.Errorf("%w: renewal task for channel %s", ErrNotSubscribed, channelID)
		}
		if sub.ChannelID != channelID {
			return fmt.Errorf("%w: %s", ErrStaleChannel, channelID)
		}

		renewing := *sub
		renewing.State = state.StateRenewing
		if err := m.states.SaveSubscription(ctx, &renewing); err != nil {
			return err
		}

		if _, err := m.openChannel(ctx); err != nil {
			return m.recoverFailedRenewal(ctx, sub, err)
		}

		if err := m.provider.Stop(ctx, sub.ChannelID, sub.ResourceID); err != nil {
			slog.Warn("Failed to stop superseded channel",
				"channel_id", sub.ChannelID,
				"error", err)
		}
		renewed = true
		return nil
	})
	if err != nil {
		return err
	}

	if renewed {
		m.triggerSync(ctx, SyncReasonRenewal)
	}
	return nil
}

// openChannel creates a new channel, persists it as the authoritative
// subscription and schedules its renewal. Caller holds the sync lock.
func (m *Manager) openChannel(ctx context.Context) (*state.Subscription, error) {
	ch, err := m.provider.Watch(ctx, m.cfg.SourceCalendar, calendar.WatchRequest{
		ChannelID: uuid.NewString(),
		Address:   m.cfg.CallbackURL,
		Token:     m.cfg.CallbackToken,
		TTL:       m.cfg.ChannelTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open notification channel: %w", err)
	}

	sub := &state.Subscription{
		State:      state.StateSubscribed,
		ChannelID:  ch.ID,
		ResourceID: ch.ResourceID,
		Expiry:     ch.Expiry,
	}
	if err := m.states.SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}

	if m.cfg.OneShot {
		slog.Info("One-shot subscription, channel will expire without renewal",
			"channel_id", sub.ChannelID,
			"expiry", sub.Expiry)
	} else if err := m.scheduleRenewal(ctx, sub); err != nil {
		// The channel works without the task; it just will not be renewed
		// unless a later subscribe call replaces it.
		slog.Error("Failed to schedule channel renewal",
			"channel_id", sub.ChannelID,
			"error", err)
	}

	slog.Info("Notification channel opened",
		"channel_id", sub.ChannelID,
		"expiry", sub.Expiry)
	return sub, nil
}

// recoverFailedRenewal handles a Watch failure during renewal. If the old
// channel is still alive it stays authoritative and the renewal is retried
// shortly; otherwise the subscription is gone and the record says so.
func (m *Manager) recoverFailedRenewal(ctx context.Context, old *state.Subscription, cause error) error {
	if !old.Expired(m.now()) {
		if err := m.states.SaveSubscription(ctx, old); err != nil {
			return errors.Join(cause, err)
		}
		runAt := m.now().Add(5 * time.Minute)
		if _, err := m.sched.Schedule(ctx, runAt, scheduler.Task{ChannelID: old.ChannelID}); err != nil {
			slog.Error("Failed to schedule renewal retry", "error", err)
		}
		slog.Warn("Channel renewal failed, keeping current channel",
			"channel_id", old.ChannelID,
			"retry_at", runAt,
			"error", cause)
		return cause
	}

	if err := m.states.SaveSubscription(ctx, &state.Subscription{State: state.StateUnsubscribed}); err != nil {
		return errors.Join(cause, err)
	}
	slog.Error("Channel renewal failed after expiry, subscription lost", "error", cause)
	return cause
}

// scheduleRenewal enqueues the renewal task at expiry minus the margin,
// clamped into the scheduler's horizon. Channels with no reported expiry get
// no renewal task.
func (m *Manager) scheduleRenewal(ctx context.Context, sub *state.Subscription) error {
	if sub.Expiry.IsZero() {
		return nil
	}

	now := m.now()
	runAt := sub.Expiry.Add(-m.cfg.RenewalMargin)
	if horizon := now.Add(m.cfg.MaxScheduleHorizon); runAt.After(horizon) {
		runAt = horizon
	}
	if runAt.Before(now) {
		runAt = now
	}

	id, err := m.sched.Schedule(ctx, runAt, scheduler.Task{ChannelID: sub.ChannelID})
	if err != nil {
		return err
	}
	slog.Info("Channel renewal scheduled",
		"channel_id", sub.ChannelID,
		"task_id", id,
		"run_at", runAt)
	return nil
}

func (m *Manager) withLock(ctx context.Context, fn func(ctx context.Context) error) error {
	token, err := m.locker.Acquire(ctx, m.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return fmt.Errorf("subscription state is locked: %w", err)
		}
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := m.locker.Release(releaseCtx, token); err != nil {
			slog.Error("Failed to release sync lock", "error", err)
		}
	}()

	return fn(ctx)
}

func (m *Manager) triggerSync(ctx context.Context, reason SyncReason) {
	if m.syncFn != nil {
		m.syncFn(ctx, reason)
	}
}
