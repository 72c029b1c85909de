// Package fingerprint computes the content identity of a schedule event.
//
// The digest is MD5 over the identity fields joined with "|" in a fixed order:
//
//	subjectCode|sectionCode|subgroupCode|startTime|endTime|room|campus|instructor|sessionKind
//
// Absent fields are empty strings. The output is lowercase hex, so the same
// value can be recomputed by any platform with a standard MD5.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"strings"

	"github.com/ChuLiYu/timetable-sync/pkg/types"
)

const separator = "|"

// Canonical returns the delimiter-joined identity representation of e.
func Canonical(e types.ScheduleEvent) string {
	return strings.Join([]string{
		e.SubjectCode,
		e.SectionCode,
		e.SubgroupCode,
		e.StartTime,
		e.EndTime,
		e.Room,
		e.Campus,
		e.Instructor,
		e.SessionKind,
	}, separator)
}

// Of returns the fingerprint of e.
func Of(e types.ScheduleEvent) string {
	sum := md5.Sum([]byte(Canonical(e)))
	return hex.EncodeToString(sum[:])
}

// Assign sets the Fingerprint field of every event in place.
func Assign(events []types.ScheduleEvent) {
	for i := range events {
		events[i].Fingerprint = Of(events[i])
	}
}

// Set collects the fingerprints of events.
func Set(events []types.ScheduleEvent) map[string]struct{} {
	set := make(map[string]struct{}, len(events))
	for _, e := range events {
		set[e.Fingerprint] = struct{}{}
	}
	return set
}
