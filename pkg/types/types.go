// Package types defines the core domain model shared by every timetable-sync package.
package types

import (
	"time"
)

// SystemState is the IDLE/PROCESSING gate persisted under the systemState key.
type SystemState string

const (
	StateIdle       SystemState = "IDLE"       // no workflow owns the system
	StateProcessing SystemState = "PROCESSING" // a sync or batch lifecycle is in progress
)

// ScheduleEvent is one timetabled session.
//
// The first block of fields is identity-bearing: the fingerprint is computed
// over exactly these values, in this order. Everything below it is derived or
// mutated after the event is fetched.
type ScheduleEvent struct {
	// Identity fields, kept as the literal text delivered by the feed.
	SubjectCode  string `json:"subject_code"`
	SectionCode  string `json:"section_code"`
	SubgroupCode string `json:"subgroup_code"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	Room         string `json:"room"`
	Campus       string `json:"campus"`
	Instructor   string `json:"instructor"`
	SessionKind  string `json:"session_kind"`

	// Descriptive fields that do not take part in the fingerprint.
	SubjectName  string `json:"subject_name"`
	CalendarKind string `json:"calendar_kind,omitempty"`

	// Parsed forms of StartTime/EndTime, filled at the fetch boundary.
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`

	// Derived fields.
	Fingerprint string    `json:"fingerprint"`
	ExternalID  string    `json:"external_id,omitempty"`
	Attended    bool      `json:"attended,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

// IsExam reports whether the feed marked the session as an exam.
func (e ScheduleEvent) IsExam() bool {
	return e.CalendarKind == "2"
}

// IsLecture reports whether the session kind is the lecture kind ("0").
func (e ScheduleEvent) IsLecture() bool {
	return e.SessionKind == "0"
}

// Batch is a bounded, ordered slice of events materialized in one continuation.
type Batch []ScheduleEvent

// ExternalIDUpdate pairs a fingerprint with the calendar entry created for it.
type ExternalIDUpdate struct {
	Fingerprint string `json:"fingerprint"`
	ExternalID  string `json:"external_id"`
}

// SyncResult is the outcome of a top-level mutating operation.
type SyncResult struct {
	OK      bool   `json:"ok"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"` // composed notification, when changes were found
}

// Status is the read-only status snapshot returned to pollers.
type Status struct {
	State          SystemState `json:"state"`
	AutoSync       bool        `json:"auto_sync"`
	PendingBatches int         `json:"pending_batches"`
	PendingEvents  int         `json:"pending_events"`
	LastSyncAt     *time.Time  `json:"last_sync_at,omitempty"`
	NextBatchAt    *time.Time  `json:"next_batch_at,omitempty"`
}

// CheckinView is what the check-in page needs to render one session.
type CheckinView struct {
	Fingerprint string    `json:"fingerprint"`
	SubjectName string    `json:"subject_name"`
	Room        string    `json:"room"`
	StartsAt    time.Time `json:"starts_at"`
	EndsAt      time.Time `json:"ends_at"`
	Attended    bool      `json:"attended"`
}

// DashboardRow is the per-subject attendance summary over past sessions.
type DashboardRow struct {
	Subject string `json:"subject"`
	Total   int    `json:"total"`
	Present int    `json:"present"`
	Absent  int    `json:"absent"`
	Rate    int    `json:"rate"` // rounded percent
}
