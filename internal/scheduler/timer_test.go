package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerScheduler_FiresDueTask(t *testing.T) {
	t.Parallel()

	fired := make(chan Task, 1)
	s := NewTimerScheduler(func(_ context.Context, task Task) {
		fired <- task
	})
	defer s.Close()

	id, err := s.Schedule(context.Background(), time.Now().Add(10*time.Millisecond), Task{ChannelID: "ch-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case task := <-fired:
		assert.Equal(t, "ch-1", task.ChannelID)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not fire")
	}
}

func TestTimerScheduler_PastTimeFiresImmediately(t *testing.T) {
	t.Parallel()

	fired := make(chan Task, 1)
	s := NewTimerScheduler(func(_ context.Context, task Task) {
		fired <- task
	})
	defer s.Close()

	_, err := s.Schedule(context.Background(), time.Now().Add(-time.Hour), Task{ChannelID: "ch-1"})
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("overdue task did not fire")
	}
}

func TestTimerScheduler_CloseCancelsPending(t *testing.T) {
	t.Parallel()

	fired := make(chan Task, 1)
	s := NewTimerScheduler(func(_ context.Context, task Task) {
		fired <- task
	})

	_, err := s.Schedule(context.Background(), time.Now().Add(time.Hour), Task{ChannelID: "ch-1"})
	require.NoError(t, err)
	s.Close()

	select {
	case <-fired:
		t.Fatal("cancelled task fired")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = s.Schedule(context.Background(), time.Now(), Task{ChannelID: "ch-2"})
	assert.Error(t, err, "a closed scheduler must reject new tasks")
}
