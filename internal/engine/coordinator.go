package engine

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// defaultJitterFraction bounds the random offset applied to the periodic
// interval to a tenth of it in either direction.
const defaultJitterFraction = 10

// Coordinator runs periodic fallback syncs. Push notifications drive the
// mirror under normal operation; the periodic run is the safety net that
// bounds staleness when a notification is lost or the channel silently dies.
type Coordinator struct {
	engine   *Engine
	interval time.Duration

	mu         sync.Mutex
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// NewCoordinator creates a coordinator that runs a sync every interval, with
// jitter so multiple instances sharing a lock do not all wake together.
func NewCoordinator(e *Engine, interval time.Duration) *Coordinator {
	return &Coordinator{
		engine:   e,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// jitteredInterval returns the configured interval with a random offset
// applied. Non-cryptographic randomness is sufficient here.
func (c *Coordinator) jitteredInterval() time.Duration {
	jitter := c.interval / defaultJitterFraction
	if jitter <= 0 {
		return c.interval
	}
	offset := time.Duration(rand.Int64N(int64(2*jitter))) - jitter //nolint:gosec // G404
	return c.interval + offset
}

// Start begins the periodic sync loop. Blocks until the context is
// cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelFunc = cancel
	c.mu.Unlock()
	defer func() {
		close(c.done)
		slog.Info("Periodic sync coordinator shutting down")
	}()

	interval := c.jitteredInterval()
	slog.Info("Starting periodic sync coordinator",
		"base_interval", c.interval,
		"actual_interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.engine.Run(loopCtx, TriggerPeriodic)

			// Recalculate interval with new jitter for next iteration.
			ticker.Reset(c.jitteredInterval())
		case <-loopCtx.Done():
			return nil
		}
	}
}

// Stop gracefully stops the coordinator and waits for the loop to exit.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	cancel := c.cancelFunc
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-c.done
	}
	return nil
}
