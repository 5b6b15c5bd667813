package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calmirror/calmirror/internal/retry"
)

func fastRetry() retry.Policy {
	return retry.Policy{
		MaxTries:        3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL,
		WithToken("test-token"),
		WithRetryPolicy(fastRetry()),
	)
}

func TestClient_ListEventsFollowsPagination(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		switch r.URL.Query().Get("pageToken") {
		case "":
			fmt.Fprint(w, `{"items":[{"id":"a","status":"confirmed","summary":"Dentist",`+
				`"start":{"dateTime":"2026-03-02T09:00:00Z"},"end":{"dateTime":"2026-03-02T10:00:00Z"}}],`+
				`"nextPageToken":"page-2"}`)
		case "page-2":
			fmt.Fprint(w, `{"items":[{"id":"b","status":"confirmed","summary":"Lunch"}],`+
				`"nextSyncToken":"cursor-99"}`)
		default:
			t.Errorf("unexpected page token %q", r.URL.Query().Get("pageToken"))
		}
	})

	client := newTestClient(t, mux)
	events, cursor, err := client.ListEvents(context.Background(), "primary", ListOptions{})

	require.NoError(t, err)
	assert.Equal(t, "cursor-99", cursor)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].ID)
	assert.Equal(t, "Dentist", events[0].Summary)
	require.NotNil(t, events[0].Start.DateTime)
	assert.Equal(t, "b", events[1].ID)
}

func TestClient_ListEventsIncremental(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cursor-1", r.URL.Query().Get("syncToken"))
		assert.Empty(t, r.URL.Query().Get("timeMin"))
		fmt.Fprint(w, `{"items":[],"nextSyncToken":"cursor-2"}`)
	})

	client := newTestClient(t, mux)
	_, cursor, err := client.ListEvents(context.Background(), "primary", ListOptions{Cursor: "cursor-1"})

	require.NoError(t, err)
	assert.Equal(t, "cursor-2", cursor)
}

func TestClient_ListEventsMirroredOnly(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /calendars/target/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "createdBy=calmirror", r.URL.Query().Get("privateExtendedProperty"))
		assert.Equal(t, "true", r.URL.Query().Get("showDeleted"))
		fmt.Fprint(w, `{"items":[{"id":"m1","extendedProperties":{"private":`+
			`{"createdBy":"calmirror","sourceEventId":"a"}}}]}`)
	})

	client := newTestClient(t, mux)
	events, _, err := client.ListEvents(context.Background(), "target", ListOptions{MirroredOnly: true})

	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Mirrored())
	assert.Equal(t, "a", events[0].Origin())
}

func TestClient_ListEventsInvalidCursor(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /calendars/primary/events", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
		fmt.Fprint(w, `{"error":{"code":410,"message":"Sync token is no longer valid"}}`)
	})

	client := newTestClient(t, mux)
	_, _, err := client.ListEvents(context.Background(), "primary", ListOptions{Cursor: "expired"})

	require.Error(t, err)
	assert.True(t, IsCursorInvalid(err))
	assert.Equal(t, int32(1), calls.Load(), "cursor invalidation must not be retried")
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /calendars/target/events", func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{}`)
	})

	client := newTestClient(t, mux)
	err := client.CreateEvent(context.Background(), "target", Event{Summary: "busy (personal)"})

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_TransientFailureExhaustsRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /calendars/target/events", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	client := newTestClient(t, mux)
	err := client.CreateEvent(context.Background(), "target", Event{Summary: "busy (personal)"})

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), calls.Load(), "attempts are bounded by the retry policy")
}

func TestClient_FatalErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /calendars/target/events/gone", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"code":403,"message":"insufficient permissions"}}`)
	})

	client := newTestClient(t, mux)
	err := client.DeleteEvent(context.Background(), "target", "gone")

	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "insufficient permissions")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_UpdateEventRequiresID(t *testing.T) {
	t.Parallel()

	client := NewClient("http://unused.invalid")
	err := client.UpdateEvent(context.Background(), "target", Event{})
	assert.Error(t, err)
}

func TestClient_Watch(t *testing.T) {
	t.Parallel()

	expiry := time.Now().Add(7 * 24 * time.Hour).Truncate(time.Millisecond)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /calendars/primary/events/watch", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "chan-1", body["id"])
		assert.Equal(t, "web_hook", body["type"])
		assert.Equal(t, "https://example.com/webhook/channel", body["address"])
		assert.Equal(t, "secret", body["token"])

		fmt.Fprintf(w, `{"resourceId":"res-1","expiration":"%d"}`, expiry.UnixMilli())
	})

	client := newTestClient(t, mux)
	ch, err := client.Watch(context.Background(), "primary", WatchRequest{
		ChannelID: "chan-1",
		Address:   "https://example.com/webhook/channel",
		Token:     "secret",
	})

	require.NoError(t, err)
	assert.Equal(t, "chan-1", ch.ID)
	assert.Equal(t, "res-1", ch.ResourceID)
	assert.True(t, expiry.Equal(ch.Expiry), "expiry %v != %v", expiry, ch.Expiry)
}

func TestClient_Stop(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /channels/stop", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "chan-1", body["id"])
		assert.Equal(t, "res-1", body["resourceId"])
		w.WriteHeader(http.StatusNoContent)
	})

	client := newTestClient(t, mux)
	require.NoError(t, client.Stop(context.Background(), "chan-1", "res-1"))
}

func TestEvent_InstanceID(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{
			name: "plain event keyed by id",
			ev:   Event{ID: "abc"},
			want: "abc",
		},
		{
			name: "exception instance without id keyed by series and original start",
			ev: Event{
				RecurringEventID: "series",
				OriginalStart:    EventTime{DateTime: &start},
			},
			want: "series_20260302T090000Z",
		},
		{
			name: "all-day exception instance",
			ev: Event{
				RecurringEventID: "series",
				OriginalStart:    EventTime{Date: "2026-03-02"},
			},
			want: "series_2026-03-02",
		},
		{
			name: "no identity",
			ev:   Event{},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.ev.InstanceID())
		})
	}
}
