// Package ics is a calendar backend that keeps each calendar as an iCalendar
// file in a directory, suitable for subscription from any calendar client.
package ics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	cal "github.com/ChuLiYu/timetable-sync/internal/calendar"
	"github.com/ChuLiYu/timetable-sync/internal/logging"
)

var log = logging.Component("calendar.ics")

const productID = "-//timetable-sync//ttsync//EN"

// Backend stores calendars under dir as <calendarID>.ics.
type Backend struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// New creates dir if needed.
func New(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ics dir: %w", err)
	}
	return &Backend{dir: dir, now: time.Now}, nil
}

func (b *Backend) path(calendarID string) string {
	return filepath.Join(b.dir, calendarID+".ics")
}

func (b *Backend) CreateCalendar(_ context.Context, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	c := ical.NewCalendar()
	c.SetProductId(productID)
	c.SetXWRCalName(name)
	if err := b.write(id, c); err != nil {
		return "", err
	}
	log.Info("calendar created", "id", id, "name", name, "path", b.path(id))
	return id, nil
}

func (b *Backend) CalendarName(_ context.Context, calendarID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.read(calendarID)
	if err != nil {
		return "", err
	}
	for _, p := range c.CalendarProperties {
		if p.IANAToken == string(ical.PropertyXWRCalName) {
			return p.Value, nil
		}
	}
	return "", nil
}

func (b *Backend) DeleteCalendar(_ context.Context, calendarID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.Remove(b.path(calendarID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", cal.ErrCalendarNotFound, calendarID)
		}
		return err
	}
	return nil
}

func (b *Backend) Create(_ context.Context, calendarID string, entry cal.Entry) (string, error) {
	if err := entry.Validate(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.read(calendarID)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	ev := c.AddEvent(id)
	ev.SetDtStampTime(b.now().UTC())
	ev.SetStartAt(entry.Start)
	ev.SetEndAt(entry.End)
	ev.SetSummary(entry.Title)
	ev.SetDescription(entry.Description)
	ev.SetLocation(entry.Location)
	if entry.Color != "" {
		ev.SetProperty(ical.ComponentPropertyColor, entry.Color)
	}

	if err := b.write(calendarID, c); err != nil {
		return "", err
	}
	return id, nil
}

func (b *Backend) Delete(_ context.Context, calendarID, eventID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.read(calendarID)
	if err != nil {
		return err
	}

	kept := c.Components[:0]
	found := false
	for _, comp := range c.Components {
		if ev, ok := comp.(*ical.VEvent); ok && ev.Id() == eventID {
			found = true
			continue
		}
		kept = append(kept, comp)
	}
	if !found {
		return fmt.Errorf("%w: %s", cal.ErrEventNotFound, eventID)
	}
	c.Components = kept
	return b.write(calendarID, c)
}

// Events returns the VEVENTs of a calendar.
func (b *Backend) Events(calendarID string) ([]*ical.VEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.read(calendarID)
	if err != nil {
		return nil, err
	}
	return c.Events(), nil
}

func (b *Backend) read(calendarID string) (*ical.Calendar, error) {
	f, err := os.Open(b.path(calendarID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", cal.ErrCalendarNotFound, calendarID)
		}
		return nil, err
	}
	defer f.Close()

	c, err := ical.ParseCalendar(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", b.path(calendarID), err)
	}
	return c, nil
}

// write replaces the calendar file atomically.
func (b *Backend) write(calendarID string, c *ical.Calendar) error {
	tmp, err := os.CreateTemp(b.dir, calendarID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(c.Serialize()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write calendar: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync calendar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, b.path(calendarID))
}
