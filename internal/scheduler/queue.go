package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/calmirror/calmirror/internal/retry"
)

// QueueScheduler schedules tasks through a remote task-queue service. The
// queue delivers each task as an HTTP POST of the task payload to the
// configured callback address at the scheduled time.
type QueueScheduler struct {
	baseURL    string
	callback   string
	token      string
	httpClient *http.Client
	retry      retry.Policy
}

// QueueOption configures a QueueScheduler.
type QueueOption func(*QueueScheduler)

// WithQueueHTTPClient overrides the HTTP client.
func WithQueueHTTPClient(c *http.Client) QueueOption {
	return func(q *QueueScheduler) {
		q.httpClient = c
	}
}

// WithQueueToken sets the bearer token presented to the queue service.
func WithQueueToken(token string) QueueOption {
	return func(q *QueueScheduler) {
		q.token = token
	}
}

// WithQueueRetryPolicy overrides the retry policy for queue requests.
func WithQueueRetryPolicy(p retry.Policy) QueueOption {
	return func(q *QueueScheduler) {
		q.retry = p
	}
}

// NewQueueScheduler creates a scheduler backed by the task-queue service at
// baseURL. Tasks are delivered to callback when they fire.
func NewQueueScheduler(baseURL, callback string, opts ...QueueOption) *QueueScheduler {
	q := &QueueScheduler{
		baseURL:    baseURL,
		callback:   callback,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

type createTaskRequest struct {
	RunAt time.Time `json:"runAt"`
	URL   string    `json:"url"`
	Body  Task      `json:"body"`
}

type createTaskResponse struct {
	ID string `json:"id"`
}

// Schedule enqueues the task with the queue service.
func (q *QueueScheduler) Schedule(ctx context.Context, runAt time.Time, task Task) (string, error) {
	body, err := json.Marshal(createTaskRequest{
		RunAt: runAt.UTC(),
		URL:   q.callback,
		Body:  task,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode task: %w", err)
	}

	id, err := retry.DoValue(ctx, q.retry, func() (string, error) {
		return q.createTask(ctx, body)
	})
	if err != nil {
		return "", fmt.Errorf("failed to schedule task: %w", err)
	}
	return id, nil
}

func (q *QueueScheduler) createTask(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.baseURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return "", retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.token != "" {
		req.Header.Set("Authorization", "Bearer "+q.token)
	}

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("task queue returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", err
		}
		return "", retry.Permanent(err)
	}

	var out createTaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", retry.Permanent(fmt.Errorf("failed to decode task response: %w", err))
	}
	return out.ID, nil
}
