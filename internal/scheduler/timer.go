package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TimerScheduler runs scheduled tasks from in-process timers. Tasks do not
// survive a restart, so it only suits single-instance deployments where a
// missed renewal is recovered by the next subscribe call.
type TimerScheduler struct {
	fire func(ctx context.Context, task Task)

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewTimerScheduler creates an in-process scheduler that invokes fire when a
// task comes due.
func NewTimerScheduler(fire func(ctx context.Context, task Task)) *TimerScheduler {
	return &TimerScheduler{
		fire:   fire,
		timers: make(map[string]*time.Timer),
	}
}

// Schedule arms a timer for the task. The context only covers the scheduling
// call itself; the task fires later on its own context.
func (s *TimerScheduler) Schedule(_ context.Context, runAt time.Time, task Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", context.Canceled
	}

	id := uuid.NewString()
	delay := max(time.Until(runAt), 0)
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		slog.Debug("Scheduled task fired", "task_id", id, "channel_id", task.ChannelID)
		s.fire(context.Background(), task)
	})
	return id, nil
}

// Close cancels all pending timers. Tasks already running are not
// interrupted.
func (s *TimerScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
