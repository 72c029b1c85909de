// ============================================================================
// Snapshot Store
// ============================================================================
//
// Package: internal/snapshot
// Purpose: named, ordered collections of ScheduleEvent rows ("surfaces").
//
// Two surfaces matter to the sync engine:
//   - stable:  authoritative, committed schedule; carries external ids and
//              attendance flags
//   - staging: latest fetched candidate, fully overwritten every sync cycle
//
// Surfaces are addressed by an opaque id that the Resource Resolver persists
// (stableSnapshotId / stagingSnapshotId). A surface deleted out of band makes
// every call on its id fail with ErrSurfaceNotFound, which the resolver treats
// as a stale identifier.
//
// Two implementations share the Storage interface:
//   - Repository: SQLite tables (surfaces, events)
//   - Memory:     process memory, for tests and dry runs
//
// ============================================================================

package snapshot

import (
	"context"
	"errors"
	"strconv"

	"github.com/ChuLiYu/timetable-sync/pkg/types"
)

var (
	ErrSurfaceNotFound = errors.New("snapshot surface not found")
	ErrEventNotFound   = errors.New("event not found in surface")
	ErrUnknownField    = errors.New("field cannot be updated in place")
)

// Field names accepted by UpdateField.
const (
	FieldExternalID  = "external_id"
	FieldAttendance  = "attendance"
	FieldLastUpdated = "last_updated"
)

// Surface names.
const (
	StableName  = "stable"
	StagingName = "staging"
)

// Storage is the tabular read/write layer the engine depends on.
type Storage interface {
	CreateSurface(ctx context.Context, name string) (string, error)
	SurfaceName(ctx context.Context, surfaceID string) (string, error)
	DropSurface(ctx context.Context, surfaceID string) error

	ReadAll(ctx context.Context, surfaceID string) ([]types.ScheduleEvent, error)
	WriteAll(ctx context.Context, surfaceID string, events []types.ScheduleEvent) error
	Clear(ctx context.Context, surfaceID string) error

	FindByFingerprint(ctx context.Context, surfaceID, fingerprint string) (types.ScheduleEvent, error)
	UpdateField(ctx context.Context, surfaceID, fingerprint, field, value string) error
	UpdateExternalIDs(ctx context.Context, surfaceID string, updates []types.ExternalIDUpdate) error
}

func parseAttendance(value string) (bool, error) {
	return strconv.ParseBool(value)
}
