// Package reconcile computes the minimal operation set that brings the
// target calendar in line with the obfuscated projection of the source.
// Diff is a pure function: the same pair of snapshots always produces the
// same plan, in the same order, with no hidden state.
package reconcile

import (
	"log/slog"
	"sort"

	"github.com/calmirror/calmirror/internal/calendar"
	"github.com/calmirror/calmirror/internal/obfuscate"
)

// Plan is the operation set produced by Diff. The three sets act on
// disjoint events; no relative ordering between them is guaranteed or
// required.
type Plan struct {
	// Creates holds obfuscated projections to insert into the target.
	Creates []calendar.Event

	// Updates holds obfuscated projections carrying the id of the existing
	// target event they replace.
	Updates []calendar.Event

	// Deletes holds existing target events to remove.
	Deletes []calendar.Event
}

// Empty reports whether the plan contains no operations.
func (p Plan) Empty() bool {
	return p.Size() == 0
}

// Size returns the total number of operations.
func (p Plan) Size() int {
	return len(p.Creates) + len(p.Updates) + len(p.Deletes)
}

// Diff compares the source snapshot against the mirrored target events and
// returns the plan to apply.
//
// Source events are normalized into effective instances first: an exception
// of a recurring series counts as its own entry under its instance id.
// Cancelled source entries translate into deletes of their mirror. Orphaned
// target events (mirrors whose origin no longer appears in the source) are
// deleted only when the source snapshot is full; an incremental snapshot
// contains just the changed events, so absence proves nothing there.
func Diff(source, targets []calendar.Event, policy obfuscate.Policy, fullSnapshot bool) Plan {
	srcByInstance := effectiveInstances(source)
	tgtByOrigin := targetsByOrigin(targets)

	var plan Plan
	for id, src := range srcByInstance {
		want := policy.Apply(src)
		existing, mirrored := tgtByOrigin[id]

		switch {
		case !mirrored:
			if want.Cancelled() {
				// Deleted at the source and never mirrored: nothing to do.
				continue
			}
			plan.Creates = append(plan.Creates, want)
		case want.Cancelled():
			if existing.Cancelled() {
				// The mirror is already a tombstone; deleting it again makes
				// providers that list deleted events reject the call.
				continue
			}
			plan.Deletes = append(plan.Deletes, existing)
		case !mirrorsMatch(existing, want):
			want.ID = existing.ID
			plan.Updates = append(plan.Updates, want)
		}
	}

	if fullSnapshot {
		for origin, existing := range tgtByOrigin {
			if _, alive := srcByInstance[origin]; !alive && !existing.Cancelled() {
				plan.Deletes = append(plan.Deletes, existing)
			}
		}
	}

	// Map iteration order is random; sort so the plan is deterministic.
	sort.Slice(plan.Creates, func(i, j int) bool { return plan.Creates[i].Origin() < plan.Creates[j].Origin() })
	sort.Slice(plan.Updates, func(i, j int) bool { return plan.Updates[i].Origin() < plan.Updates[j].Origin() })
	sort.Slice(plan.Deletes, func(i, j int) bool { return plan.Deletes[i].Origin() < plan.Deletes[j].Origin() })
	return plan
}

// effectiveInstances maps source events by their instance identity,
// dropping entries with no identity at all. A later entry for the same
// instance wins, matching the provider contract that the freshest version
// of an event appears last in a change feed.
func effectiveInstances(events []calendar.Event) map[string]calendar.Event {
	out := make(map[string]calendar.Event, len(events))
	for _, ev := range events {
		id := ev.InstanceID()
		if id == "" {
			slog.Warn("Dropping source event with no usable identity")
			continue
		}
		out[id] = ev
	}
	return out
}

// targetsByOrigin maps mirrored target events by their origin
// back-reference. Duplicate mirrors of the same origin should not happen;
// if they do, the first one is kept and the rest are left for a later full
// sync to clean up.
func targetsByOrigin(targets []calendar.Event) map[string]calendar.Event {
	out := make(map[string]calendar.Event, len(targets))
	for _, ev := range targets {
		origin := ev.Origin()
		if origin == "" {
			continue
		}
		if _, dup := out[origin]; dup {
			slog.Warn("Multiple target events mirror the same source event, using first",
				"origin", origin)
			continue
		}
		out[origin] = ev
	}
	return out
}

// mirrorsMatch compares the tracked fields of an existing mirror against
// the desired projection.
func mirrorsMatch(existing, want calendar.Event) bool {
	if existing.Status != want.Status ||
		existing.Summary != want.Summary ||
		existing.Description != want.Description ||
		existing.Location != want.Location {
		return false
	}
	if !existing.Start.Equal(want.Start) || !existing.End.Equal(want.End) {
		return false
	}
	if len(existing.Recurrence) != len(want.Recurrence) {
		return false
	}
	for i := range want.Recurrence {
		if existing.Recurrence[i] != want.Recurrence[i] {
			return false
		}
	}
	return true
}
