package calendar

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Backend. CreateHook, when set, runs before each
// Create and can fail it.
type Memory struct {
	mu        sync.Mutex
	calendars map[string]string
	events    map[string]map[string]Entry
	created   []Entry

	CreateHook func(Entry) error
}

// NewMemory returns an empty backend.
func NewMemory() *Memory {
	return &Memory{
		calendars: make(map[string]string),
		events:    make(map[string]map[string]Entry),
	}
}

func (m *Memory) CreateCalendar(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := "cal-" + uuid.NewString()
	m.calendars[id] = name
	m.events[id] = make(map[string]Entry)
	return id, nil
}

func (m *Memory) CalendarName(_ context.Context, calendarID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.calendars[calendarID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrCalendarNotFound, calendarID)
	}
	return name, nil
}

func (m *Memory) DeleteCalendar(_ context.Context, calendarID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calendars[calendarID]; !ok {
		return fmt.Errorf("%w: %s", ErrCalendarNotFound, calendarID)
	}
	delete(m.calendars, calendarID)
	delete(m.events, calendarID)
	return nil
}

func (m *Memory) Create(_ context.Context, calendarID string, entry Entry) (string, error) {
	if err := entry.Validate(); err != nil {
		return "", err
	}
	if m.CreateHook != nil {
		if err := m.CreateHook(entry); err != nil {
			return "", err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	events, ok := m.events[calendarID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrCalendarNotFound, calendarID)
	}
	id := "evt-" + uuid.NewString()
	events[id] = entry
	m.created = append(m.created, entry)
	return id, nil
}

func (m *Memory) Delete(_ context.Context, calendarID, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	events, ok := m.events[calendarID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCalendarNotFound, calendarID)
	}
	if _, ok := events[eventID]; !ok {
		return fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	delete(events, eventID)
	return nil
}

// Entries returns the live entries of a calendar keyed by event id.
func (m *Memory) Entries(calendarID string) map[string]Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Entry, len(m.events[calendarID]))
	for k, v := range m.events[calendarID] {
		out[k] = v
	}
	return out
}

// Created returns every entry ever created, in creation order.
func (m *Memory) Created() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.created))
	copy(out, m.created)
	return out
}
