// Package scheduler abstracts deferred execution of channel renewals. The
// service schedules a renewal task when a channel is created; the task fires
// shortly before the channel expires and calls back into the renewal
// endpoint. Two implementations exist: a remote task queue for stateless
// deployments and an in-process timer for single-instance ones.
package scheduler

import (
	"context"
	"time"
)

// Task is the payload delivered back when a scheduled run fires. The channel
// id lets the receiver discard tasks for channels that have since been
// replaced.
type Task struct {
	ChannelID string `json:"channelId"`
}

// Scheduler schedules a task for one-shot execution at a future time.
type Scheduler interface {
	// Schedule enqueues the task to run at runAt and returns an opaque task
	// identifier. A runAt in the past fires as soon as possible.
	Schedule(ctx context.Context, runAt time.Time, task Task) (string, error)
}
