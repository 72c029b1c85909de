// Package diff decides which events must be added to or removed from the
// external calendar, and computes the stable snapshot after a commit.
//
// Diffing is by fingerprint only. A rescheduled session (new room, time or
// instructor) shows up as one removal plus one addition.
package diff

import (
	"time"

	"github.com/ChuLiYu/timetable-sync/internal/fingerprint"
	"github.com/ChuLiYu/timetable-sync/pkg/types"
)

// Result holds the events on each side of a diff, in input order.
type Result struct {
	Added   []types.ScheduleEvent // from staging
	Removed []types.ScheduleEvent // from stable
}

// IsNoop reports whether nothing changed.
func (r Result) IsNoop() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0
}

// Future returns the events whose start is strictly after cutoff.
func Future(events []types.ScheduleEvent, cutoff time.Time) []types.ScheduleEvent {
	out := make([]types.ScheduleEvent, 0, len(events))
	for _, e := range events {
		if e.StartsAt.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Compute compares the future slice of stable against staging.
// staging is expected to be future-only already; it is not filtered again.
func Compute(stable, staging []types.ScheduleEvent, cutoff time.Time) Result {
	oldFuture := Future(stable, cutoff)
	oldHashes := fingerprint.Set(oldFuture)
	newHashes := fingerprint.Set(staging)

	var res Result
	seen := make(map[string]struct{})
	for _, e := range staging {
		if _, ok := oldHashes[e.Fingerprint]; ok {
			continue
		}
		if _, dup := seen[e.Fingerprint]; dup {
			continue
		}
		seen[e.Fingerprint] = struct{}{}
		res.Added = append(res.Added, e)
	}

	seen = make(map[string]struct{})
	for _, e := range oldFuture {
		if _, ok := newHashes[e.Fingerprint]; ok {
			continue
		}
		if _, dup := seen[e.Fingerprint]; dup {
			continue
		}
		seen[e.Fingerprint] = struct{}{}
		res.Removed = append(res.Removed, e)
	}
	return res
}

// Commit returns the stable snapshot that results from accepting staging.
//
// Past rows of stable (start <= cutoff) are kept as they are. Future rows whose
// fingerprint is still present in staging are carried forward unmodified, with
// their external id and attendance flag. Future rows missing from staging are
// dropped. Staging rows with a fingerprint not yet in the result are appended
// in staging order, once per fingerprint.
func Commit(stable, staging []types.ScheduleEvent, cutoff time.Time) []types.ScheduleEvent {
	newHashes := fingerprint.Set(staging)

	out := make([]types.ScheduleEvent, 0, len(stable)+len(staging))
	kept := make(map[string]struct{})
	for _, e := range stable {
		if !e.StartsAt.After(cutoff) {
			out = append(out, e)
			kept[e.Fingerprint] = struct{}{}
			continue
		}
		if _, ok := newHashes[e.Fingerprint]; ok {
			out = append(out, e)
			kept[e.Fingerprint] = struct{}{}
		}
	}

	for _, e := range staging {
		if _, ok := kept[e.Fingerprint]; ok {
			continue
		}
		out = append(out, e)
		kept[e.Fingerprint] = struct{}{}
	}
	return out
}
