// Package obfuscate turns source events into their sanitized mirror
// projection. The transformation is a pure function of the source event's
// fields: the same input always yields the same output, regardless of
// invocation time or prior state.
package obfuscate

import (
	"github.com/calmirror/calmirror/internal/calendar"
)

const (
	// DefaultTitle is the placeholder summary mirrored events carry.
	DefaultTitle = "busy (personal)"

	// DefaultDescription marks mirrored events for anyone inspecting the
	// target calendar directly.
	DefaultDescription = "mirrored by calmirror"
)

// Policy decides which fields survive the mirroring and what replaces the
// ones that do not. Timing and recurrence are preserved so the mirror stays
// useful for scheduling; anything identifying is replaced.
type Policy struct {
	// Title replaces the source summary.
	Title string

	// Description replaces the source description.
	Description string

	// CopyRecurrence controls whether recurrence rules are carried over.
	// When false a recurring source series mirrors as a single event.
	CopyRecurrence bool

	// CopyLocation controls whether the location survives. Off by default:
	// locations frequently identify the meeting.
	CopyLocation bool
}

// DefaultPolicy returns the stock policy: placeholder title/description,
// recurrence preserved, location and attendees dropped.
func DefaultPolicy() Policy {
	return Policy{
		Title:          DefaultTitle,
		Description:    DefaultDescription,
		CopyRecurrence: true,
	}
}

// Apply projects a source event into the event that should exist on the
// target calendar. Start, end and (per policy) recurrence are preserved;
// title, description, attendees and reminders are sanitized. The result
// carries the origin back-reference tags that reconciliation matches on.
func (p Policy) Apply(src calendar.Event) calendar.Event {
	out := calendar.Event{
		Status: src.Status,
	}
	if out.Status == "" {
		out.Status = calendar.StatusConfirmed
	}

	if !out.Cancelled() {
		out.Start = src.Start
		out.End = src.End
		out.Summary = p.Title
		out.Description = p.Description
		// Never notify the target owner about mirrored entries.
		out.Reminders = &calendar.Reminders{UseDefault: false, Overrides: []calendar.Reminder{}}
		if p.CopyLocation {
			out.Location = src.Location
		}
	}

	if p.CopyRecurrence && len(src.Recurrence) > 0 {
		out.Recurrence = append([]string(nil), src.Recurrence...)
	}

	out.PrivateProperties = map[string]string{
		calendar.CreatedByKey: calendar.AppTag,
		calendar.OriginKey:    src.InstanceID(),
	}
	return out
}
