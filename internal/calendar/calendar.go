// Package calendar defines the calendar-entry CRUD collaborator and the
// mapping from a ScheduleEvent to a calendar entry.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/timetable-sync/pkg/types"
)

var (
	ErrCalendarNotFound = errors.New("calendar not found")
	ErrEventNotFound    = errors.New("calendar event not found")
	ErrInvalidTimeRange = errors.New("event end is not after start")
)

// ColorRed marks exam sessions.
const ColorRed = "red"

// Entry is what a backend needs to create one calendar event.
type Entry struct {
	Ref         string // fingerprint of the source event, for logs and idempotency hints
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	Color       string
}

// Validate rejects entries no backend can create.
func (e Entry) Validate() error {
	if e.Start.IsZero() || e.End.IsZero() {
		return fmt.Errorf("%w: missing start or end", ErrInvalidTimeRange)
	}
	if !e.End.After(e.Start) {
		return fmt.Errorf("%w: %s >= %s", ErrInvalidTimeRange, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
	}
	return nil
}

// Backend is a calendar service.
type Backend interface {
	CreateCalendar(ctx context.Context, name string) (string, error)
	CalendarName(ctx context.Context, calendarID string) (string, error)
	DeleteCalendar(ctx context.Context, calendarID string) error

	Create(ctx context.Context, calendarID string, entry Entry) (string, error)
	Delete(ctx context.Context, calendarID, eventID string) error
}

// EntryOptions carries the links rendered into every description.
type EntryOptions struct {
	WebAppURL           string
	OfficialScheduleURL string
}

// CheckinURL returns the check-in link for a fingerprint.
func CheckinURL(webAppURL, fingerprint string) string {
	sep := "?"
	if strings.Contains(webAppURL, "?") {
		sep = "&"
	}
	return webAppURL + sep + "page=checkin&hash=" + fingerprint
}

// BuildEntry renders e as a calendar entry.
func BuildEntry(e types.ScheduleEvent, opts EntryOptions) Entry {
	kind := "Lab"
	if e.IsLecture() {
		kind = "Lecture"
	}

	location := e.Room
	if e.Campus != "" {
		location = fmt.Sprintf("%s (%s)", e.Room, e.Campus)
	}

	var b strings.Builder
	b.WriteString("--- SESSION DETAILS ---\n")
	fmt.Fprintf(&b, "Subject: %s\n", e.SubjectName)
	fmt.Fprintf(&b, "Section: %s\n", e.SectionCode)
	fmt.Fprintf(&b, "Instructor: %s\n", e.Instructor)
	b.WriteString("\n")
	fmt.Fprintf(&b, "Location: %s\n", location)
	fmt.Fprintf(&b, "Kind: %s\n", kind)
	if opts.WebAppURL != "" {
		b.WriteString("\n--- ACTIONS ---\n")
		fmt.Fprintf(&b, "Check in: %s\n", CheckinURL(opts.WebAppURL, e.Fingerprint))
	}
	if opts.OfficialScheduleURL != "" || opts.WebAppURL != "" {
		b.WriteString("--- LINKS ---\n")
		if opts.OfficialScheduleURL != "" {
			fmt.Fprintf(&b, "Official schedule: %s\n", opts.OfficialScheduleURL)
		}
		if opts.WebAppURL != "" {
			fmt.Fprintf(&b, "Dashboard: %s\n", opts.WebAppURL)
		}
	}

	entry := Entry{
		Ref:         e.Fingerprint,
		Title:       fmt.Sprintf("[%s] %s", e.Room, e.SubjectName),
		Description: strings.TrimSpace(b.String()),
		Location:    location,
		Start:       e.StartsAt,
		End:         e.EndsAt,
	}
	if e.IsExam() {
		entry.Color = ColorRed
	}
	return entry
}
