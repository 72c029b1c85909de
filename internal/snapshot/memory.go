package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/timetable-sync/pkg/types"
	"github.com/google/uuid"
)

// Memory is an in-process Storage.
type Memory struct {
	mu       sync.Mutex
	names    map[string]string
	surfaces map[string][]types.ScheduleEvent
	now      func() time.Time
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		names:    make(map[string]string),
		surfaces: make(map[string][]types.ScheduleEvent),
		now:      time.Now,
	}
}

func (m *Memory) CreateSurface(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.names[id] = name
	m.surfaces[id] = nil
	return id, nil
}

func (m *Memory) SurfaceName(_ context.Context, surfaceID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.names[surfaceID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSurfaceNotFound, surfaceID)
	}
	return name, nil
}

func (m *Memory) DropSurface(_ context.Context, surfaceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.names, surfaceID)
	delete(m.surfaces, surfaceID)
	return nil
}

func (m *Memory) ReadAll(_ context.Context, surfaceID string) ([]types.ScheduleEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.surfaces[surfaceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSurfaceNotFound, surfaceID)
	}
	out := make([]types.ScheduleEvent, len(rows))
	copy(out, rows)
	return out, nil
}

func (m *Memory) WriteAll(_ context.Context, surfaceID string, events []types.ScheduleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.surfaces[surfaceID]; !ok {
		return fmt.Errorf("%w: %s", ErrSurfaceNotFound, surfaceID)
	}
	rows := make([]types.ScheduleEvent, len(events))
	copy(rows, events)
	m.surfaces[surfaceID] = rows
	return nil
}

func (m *Memory) Clear(ctx context.Context, surfaceID string) error {
	return m.WriteAll(ctx, surfaceID, nil)
}

func (m *Memory) FindByFingerprint(_ context.Context, surfaceID, fingerprint string) (types.ScheduleEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.surfaces[surfaceID]
	if !ok {
		return types.ScheduleEvent{}, fmt.Errorf("%w: %s", ErrSurfaceNotFound, surfaceID)
	}
	for _, e := range rows {
		if e.Fingerprint == fingerprint {
			return e, nil
		}
	}
	return types.ScheduleEvent{}, fmt.Errorf("%w: %s", ErrEventNotFound, fingerprint)
}

func (m *Memory) UpdateField(_ context.Context, surfaceID, fingerprint, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.surfaces[surfaceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSurfaceNotFound, surfaceID)
	}

	var apply func(*types.ScheduleEvent)
	switch field {
	case FieldExternalID:
		apply = func(e *types.ScheduleEvent) { e.ExternalID = value }
	case FieldLastUpdated:
		t := parseTime(value)
		apply = func(e *types.ScheduleEvent) { e.LastUpdated = t }
	case FieldAttendance:
		b, err := parseAttendance(value)
		if err != nil {
			return fmt.Errorf("invalid attendance value %q: %w", value, err)
		}
		apply = func(e *types.ScheduleEvent) { e.Attended = b }
	default:
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}

	found := false
	for i := range rows {
		if rows[i].Fingerprint == fingerprint {
			apply(&rows[i])
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrEventNotFound, fingerprint)
	}
	return nil
}

func (m *Memory) UpdateExternalIDs(_ context.Context, surfaceID string, updates []types.ExternalIDUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.surfaces[surfaceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSurfaceNotFound, surfaceID)
	}

	byFingerprint := make(map[string]string, len(updates))
	for _, u := range updates {
		byFingerprint[u.Fingerprint] = u.ExternalID
	}
	stamp := m.now()
	for i := range rows {
		if id, ok := byFingerprint[rows[i].Fingerprint]; ok {
			rows[i].ExternalID = id
			rows[i].LastUpdated = stamp
		}
	}
	return nil
}
