// Package calendar defines the provider boundary for reading and writing
// calendar events and managing change-notification channels. The wire shape
// follows the common REST calendar model: events listed in pages with an
// opaque sync token for incremental fetches, and push notifications
// delivered through watch channels with a bounded lifetime.
package calendar

import (
	"context"
	"time"
)

// Event status values used by the sync engine.
const (
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

// Private extended-property keys used to tag mirrored events on the target
// calendar. CreatedByKey marks an event as ours; OriginKey carries the
// back-reference to the source event it was derived from.
const (
	CreatedByKey = "createdBy"
	OriginKey    = "sourceEventId"

	// AppTag is the value stored under CreatedByKey.
	AppTag = "calmirror"
)

// EventTime is a start or end boundary. Timed events carry DateTime,
// all-day events carry Date (YYYY-MM-DD); exactly one is set.
type EventTime struct {
	DateTime *time.Time `json:"dateTime,omitempty"`
	Date     string     `json:"date,omitempty"`
	TimeZone string     `json:"timeZone,omitempty"`
}

// IsZero reports whether the boundary is unset.
func (t EventTime) IsZero() bool {
	return t.DateTime == nil && t.Date == ""
}

// Equal compares two boundaries field by field.
func (t EventTime) Equal(o EventTime) bool {
	if (t.DateTime == nil) != (o.DateTime == nil) {
		return false
	}
	if t.DateTime != nil && !t.DateTime.Equal(*o.DateTime) {
		return false
	}
	return t.Date == o.Date && t.TimeZone == o.TimeZone
}

// Reminder is a single notification override on an event.
type Reminder struct {
	Method  string `json:"method"`
	Minutes int    `json:"minutes"`
}

// Reminders is the reminder configuration of an event. Mirrored events
// always disable reminders so the target owner is not notified about
// someone else's schedule.
type Reminders struct {
	UseDefault bool       `json:"useDefault"`
	Overrides  []Reminder `json:"overrides"`
}

// Event is the provider-neutral event model. Exception instances of a
// recurring series are delivered as their own events carrying
// RecurringEventID and OriginalStart.
type Event struct {
	ID               string
	Status           string
	Summary          string
	Description      string
	Location         string
	Start            EventTime
	End              EventTime
	Recurrence       []string
	RecurringEventID string
	OriginalStart    EventTime
	Attendees        []string
	Reminders        *Reminders

	// PrivateProperties holds the provider's private extended properties;
	// mirrored events carry the CreatedByKey/OriginKey tags here.
	PrivateProperties map[string]string
}

// Cancelled reports whether the event has been deleted at the source
// (incremental feeds deliver deletions as cancelled events).
func (e Event) Cancelled() bool {
	return e.Status == StatusCancelled
}

// Origin returns the source event id a mirrored event was derived from, or
// "" for events not created by this system.
func (e Event) Origin() string {
	return e.PrivateProperties[OriginKey]
}

// Mirrored reports whether this event was created by this system.
func (e Event) Mirrored() bool {
	return e.PrivateProperties[CreatedByKey] == AppTag
}

// InstanceID returns the stable identity of this event as an effective
// instance. Exception instances without their own id are keyed by their
// parent series and original start time.
func (e Event) InstanceID() string {
	if e.ID != "" {
		return e.ID
	}
	if e.RecurringEventID != "" && !e.OriginalStart.IsZero() {
		if e.OriginalStart.DateTime != nil {
			return e.RecurringEventID + "_" + e.OriginalStart.DateTime.UTC().Format("20060102T150405Z")
		}
		return e.RecurringEventID + "_" + e.OriginalStart.Date
	}
	return ""
}

// ListOptions controls an event listing.
type ListOptions struct {
	// Cursor requests an incremental fetch of changes since the token was
	// issued. Mutually exclusive with MinEndTime.
	Cursor string

	// MinEndTime bounds a full fetch to events ending at or after this
	// time. Zero means unbounded.
	MinEndTime time.Time

	// MirroredOnly restricts the listing to events created by this system
	// (matched by the CreatedByKey tag), including deleted ones.
	MirroredOnly bool
}

// Channel identifies an active notification channel.
type Channel struct {
	ID         string
	ResourceID string
	Expiry     time.Time
}

// WatchRequest opens a notification channel for a calendar.
type WatchRequest struct {
	// ChannelID is the caller-chosen unique channel identifier.
	ChannelID string

	// Address is the HTTPS endpoint push notifications are delivered to.
	Address string

	// Token is echoed back on every notification for authentication.
	Token string

	// TTL requests a channel lifetime; zero lets the provider choose its
	// maximum.
	TTL time.Duration
}

// Provider is the calendar API boundary.
//
//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks github.com/calmirror/calmirror/internal/calendar Provider
type Provider interface {
	// ListEvents lists events of the calendar per opts, following
	// pagination, and returns the events with the next sync cursor.
	ListEvents(ctx context.Context, calendarID string, opts ListOptions) ([]Event, string, error)

	// CreateEvent inserts a new event into the calendar.
	CreateEvent(ctx context.Context, calendarID string, ev Event) error

	// UpdateEvent patches the event identified by ev.ID.
	UpdateEvent(ctx context.Context, calendarID string, ev Event) error

	// DeleteEvent removes the event from the calendar.
	DeleteEvent(ctx context.Context, calendarID, eventID string) error

	// Watch opens a notification channel for the calendar.
	Watch(ctx context.Context, calendarID string, req WatchRequest) (*Channel, error)

	// Stop closes a notification channel.
	Stop(ctx context.Context, channelID, resourceID string) error
}
