package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/calmirror/calmirror/internal/blob"
	"github.com/calmirror/calmirror/internal/calendar"
	"github.com/calmirror/calmirror/internal/calendar/mocks"
	"github.com/calmirror/calmirror/internal/lock"
	"github.com/calmirror/calmirror/internal/scheduler"
	"github.com/calmirror/calmirror/internal/state"
)

// fakeScheduler records scheduled tasks without running them.
type fakeScheduler struct {
	mu    sync.Mutex
	runs  []time.Time
	tasks []scheduler.Task
	err   error
}

func (f *fakeScheduler) Schedule(_ context.Context, runAt time.Time, task scheduler.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.runs = append(f.runs, runAt)
	f.tasks = append(f.tasks, task)
	return "task-1", nil
}

type fixture struct {
	manager     *Manager
	provider    *mocks.MockProvider
	sched       *fakeScheduler
	states      *state.Store
	locker      *lock.Locker
	syncCalls   *int
	syncReasons *[]SyncReason
	now         time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	blobs := blob.NewMemoryStore()
	locker := lock.New(blobs, "state/lock.json")
	states := state.NewStore(blobs)
	sched := &fakeScheduler{}
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	syncCalls := 0
	var syncReasons []SyncReason
	m := New(provider, locker, states, sched, Config{
		SourceCalendar: "source@example.com",
		CallbackURL:    "https://mirror.example.com/webhook/channel",
		CallbackToken:  "cb-secret",
	}, WithSyncFunc(func(_ context.Context, reason SyncReason) {
		syncCalls++
		syncReasons = append(syncReasons, reason)
	}))
	m.now = func() time.Time { return now }

	return &fixture{
		manager:     m,
		provider:    provider,
		sched:       sched,
		states:      states,
		locker:      locker,
		syncCalls:   &syncCalls,
		syncReasons: &syncReasons,
		now:         now,
	}
}

func TestSubscribe_OpensChannelAndSchedulesRenewal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	expiry := f.now.Add(7 * 24 * time.Hour)

	f.provider.EXPECT().
		Watch(gomock.Any(), "source@example.com", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, req calendar.WatchRequest) (*calendar.Channel, error) {
			assert.NotEmpty(t, req.ChannelID)
			assert.Equal(t, "https://mirror.example.com/webhook/channel", req.Address)
			assert.Equal(t, "cb-secret", req.Token)
			return &calendar.Channel{ID: req.ChannelID, ResourceID: "res-1", Expiry: expiry}, nil
		})

	sub, err := f.manager.Subscribe(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, state.StateSubscribed, sub.State)
	assert.Equal(t, "res-1", sub.ResourceID)
	assert.True(t, sub.Expiry.Equal(expiry))

	// The record is persisted.
	saved, err := f.states.LoadSubscription(context.Background())
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, sub.ChannelID, saved.ChannelID)

	// Renewal fires one margin before expiry and carries the channel id.
	require.Len(t, f.sched.runs, 1)
	assert.True(t, f.sched.runs[0].Equal(expiry.Add(-DefaultRenewalMargin)))
	assert.Equal(t, sub.ChannelID, f.sched.tasks[0].ChannelID)

	assert.Equal(t, 1, *f.syncCalls, "a fresh subscription must trigger a sync run")
	assert.Equal(t, []SyncReason{SyncReasonSubscribe}, *f.syncReasons)
}

func TestSubscribe_OneShotSkipsRenewalTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.manager.cfg.OneShot = true
	expiry := f.now.Add(7 * 24 * time.Hour)

	f.provider.EXPECT().
		Watch(gomock.Any(), "source@example.com", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, req calendar.WatchRequest) (*calendar.Channel, error) {
			return &calendar.Channel{ID: req.ChannelID, ResourceID: "res-1", Expiry: expiry}, nil
		})

	sub, err := f.manager.Subscribe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.StateSubscribed, sub.State)

	assert.Empty(t, f.sched.runs, "one-shot mode must leave the channel to expire")
	assert.Equal(t, 1, *f.syncCalls)
}

func TestSubscribe_ExistingLiveSubscriptionIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	existing := &state.Subscription{
		State:      state.StateSubscribed,
		ChannelID:  "ch-live",
		ResourceID: "res-1",
		Expiry:     f.now.Add(24 * time.Hour),
	}
	require.NoError(t, f.states.SaveSubscription(context.Background(), existing))

	sub, err := f.manager.Subscribe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ch-live", sub.ChannelID)
	assert.Empty(t, f.sched.runs)
	assert.Zero(t, *f.syncCalls)
}

func TestSubscribe_ExpiredSubscriptionIsReplaced(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.states.SaveSubscription(context.Background(), &state.Subscription{
		State:     state.StateSubscribed,
		ChannelID: "ch-dead",
		Expiry:    f.now.Add(-time.Hour),
	}))

	f.provider.EXPECT().
		Watch(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, req calendar.WatchRequest) (*calendar.Channel, error) {
			return &calendar.Channel{ID: req.ChannelID, ResourceID: "res-2", Expiry: f.now.Add(time.Hour)}, nil
		})

	sub, err := f.manager.Subscribe(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, "ch-dead", sub.ChannelID)
	assert.Equal(t, 1, *f.syncCalls)
}

func TestSubscribe_RenewalClampedToScheduleHorizon(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	// Expiry far beyond what the queue can schedule.
	expiry := f.now.Add(90 * 24 * time.Hour)
	f.provider.EXPECT().
		Watch(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&calendar.Channel{ID: "ch-1", ResourceID: "res-1", Expiry: expiry}, nil)

	_, err := f.manager.Subscribe(context.Background())
	require.NoError(t, err)

	require.Len(t, f.sched.runs, 1)
	assert.True(t, f.sched.runs[0].Equal(f.now.Add(DefaultMaxScheduleHorizon)))
}

func TestUnsubscribe_StopsChannelAndClearsRecord(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.states.SaveSubscription(context.Background(), &state.Subscription{
		State:      state.StateSubscribed,
		ChannelID:  "ch-1",
		ResourceID: "res-1",
		Expiry:     f.now.Add(24 * time.Hour),
	}))

	f.provider.EXPECT().Stop(gomock.Any(), "ch-1", "res-1").Return(nil)

	require.NoError(t, f.manager.Unsubscribe(context.Background()))

	sub, err := f.states.LoadSubscription(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestUnsubscribe_WithoutSubscriptionIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.manager.Unsubscribe(context.Background()))
}

func TestUnsubscribe_StopFailureStillClearsRecord(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.states.SaveSubscription(context.Background(), &state.Subscription{
		State:      state.StateSubscribed,
		ChannelID:  "ch-1",
		ResourceID: "res-1",
	}))

	f.provider.EXPECT().Stop(gomock.Any(), "ch-1", "res-1").
		Return(&calendar.APIError{Class: calendar.ClassFatal, StatusCode: 404, Message: "channel not found"})

	require.NoError(t, f.manager.Unsubscribe(context.Background()))

	sub, err := f.states.LoadSubscription(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sub, "a channel that is already gone must not block unsubscribing")
}

func TestHandleNotification_TriggersSyncOnChange(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.states.SaveSubscription(context.Background(), &state.Subscription{
		State:     state.StateSubscribed,
		ChannelID: "ch-1",
	}))

	require.NoError(t, f.manager.HandleNotification(context.Background(), "ch-1", ResourceStateExists))
	assert.Equal(t, 1, *f.syncCalls)

	require.NoError(t, f.manager.HandleNotification(context.Background(), "ch-1", ResourceStateNotExists))
	assert.Equal(t, 2, *f.syncCalls)
	assert.Equal(t, []SyncReason{SyncReasonNotification, SyncReasonNotification}, *f.syncReasons)
}

func TestHandleNotification_SyncAckIsDropped(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.states.SaveSubscription(context.Background(), &state.Subscription{
		State:     state.StateSubscribed,
		ChannelID: "ch-1",
	}))

	require.NoError(t, f.manager.HandleNotification(context.Background(), "ch-1", ResourceStateSync))
	assert.Zero(t, *f.syncCalls)
}

func TestHandleNotification_StaleChannelRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.states.SaveSubscription(context.Background(), &state.Subscription{
		State:     state.StateSubscribed,
		ChannelID: "ch-current",
	}))

	err := f.manager.HandleNotification(context.Background(), "ch-superseded", ResourceStateExists)
	assert.ErrorIs(t, err, ErrStaleChannel)
	assert.Zero(t, *f.syncCalls)
}

func TestHandleRenewal_SwapsChannel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.states.SaveSubscription(ctx, &state.Subscription{
		State:      state.StateSubscribed,
		ChannelID:  "ch-old",
		ResourceID: "res-old",
		Expiry:     f.now.Add(30 * time.Minute),
	}))

	newExpiry := f.now.Add(7 * 24 * time.Hour)
	f.provider.EXPECT().
		Watch(gomock.Any(), "source@example.com", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, req calendar.WatchRequest) (*calendar.Channel, error) {
			return &calendar.Channel{ID: req.ChannelID, ResourceID: "res-new", Expiry: newExpiry}, nil
		})
	f.provider.EXPECT().Stop(gomock.Any(), "ch-old", "res-old").Return(nil)

	require.NoError(t, f.manager.HandleRenewal(ctx, "ch-old"))

	sub, err := f.states.LoadSubscription(ctx)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, state.StateSubscribed, sub.State)
	assert.NotEqual(t, "ch-old", sub.ChannelID)
	assert.Equal(t, "res-new", sub.ResourceID)

	// The next renewal is scheduled for the replacement channel.
	require.Len(t, f.sched.tasks, 1)
	assert.Equal(t, sub.ChannelID, f.sched.tasks[0].ChannelID)

	assert.Equal(t, 1, *f.syncCalls, "a renewal must trigger a catch-up sync")
	assert.Equal(t, []SyncReason{SyncReasonRenewal}, *f.syncReasons)
}

func TestHandleRenewal_StaleTaskRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.states.SaveSubscription(context.Background(), &state.Subscription{
		State:     state.StateSubscribed,
		ChannelID: "ch-current",
		Expiry:    f.now.Add(time.Hour),
	}))

	err := f.manager.HandleRenewal(context.Background(), "ch-replaced-long-ago")
	assert.ErrorIs(t, err, ErrStaleChannel)

	sub, lerr := f.states.LoadSubscription(context.Background())
	require.NoError(t, lerr)
	assert.Equal(t, "ch-current", sub.ChannelID)
}

func TestHandleRenewal_WithoutSubscription(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	err := f.manager.HandleRenewal(context.Background(), "ch-any")
	assert.ErrorIs(t, err, ErrNotSubscribed)
}

func TestHandleRenewal_WatchFailureKeepsLiveChannel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.states.SaveSubscription(ctx, &state.Subscription{
		State:      state.StateSubscribed,
		ChannelID:  "ch-old",
		ResourceID: "res-old",
		Expiry:     f.now.Add(time.Hour),
	}))

	watchErr := &calendar.APIError{Class: calendar.ClassTransient, StatusCode: 503}
	f.provider.EXPECT().Watch(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, watchErr)

	err := f.manager.HandleRenewal(ctx, "ch-old")
	require.Error(t, err)

	// The old channel stays authoritative and a retry is queued.
	sub, lerr := f.states.LoadSubscription(ctx)
	require.NoError(t, lerr)
	assert.Equal(t, state.StateSubscribed, sub.State)
	assert.Equal(t, "ch-old", sub.ChannelID)
	require.Len(t, f.sched.tasks, 1)
	assert.Equal(t, "ch-old", f.sched.tasks[0].ChannelID)
	assert.Zero(t, *f.syncCalls)
}

func TestHandleRenewal_WatchFailureAfterExpiryDropsSubscription(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.states.SaveSubscription(ctx, &state.Subscription{
		State:      state.StateSubscribed,
		ChannelID:  "ch-old",
		ResourceID: "res-old",
		Expiry:     f.now.Add(-time.Minute),
	}))

	f.provider.EXPECT().Watch(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, &calendar.APIError{Class: calendar.ClassFatal, StatusCode: 403})

	err := f.manager.HandleRenewal(ctx, "ch-old")
	require.Error(t, err)

	sub, lerr := f.states.LoadSubscription(ctx)
	require.NoError(t, lerr)
	assert.Equal(t, state.StateUnsubscribed, sub.State)
	assert.Empty(t, f.sched.tasks)
}

func TestHandleRenewal_LockBusyPropagates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	token, err := f.locker.Acquire(context.Background(), time.Minute)
	require.NoError(t, err)
	defer func() { _ = f.locker.Release(context.Background(), token) }()

	err = f.manager.HandleRenewal(context.Background(), "ch-1")
	assert.ErrorIs(t, err, lock.ErrBusy,
		"a busy lock must surface so the scheduler redelivers the task")
}

func TestSubscribe_WatchFailurePropagates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.provider.EXPECT().Watch(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, errors.New("network down"))

	_, err := f.manager.Subscribe(context.Background())
	require.Error(t, err)
	assert.Zero(t, *f.syncCalls)
}
