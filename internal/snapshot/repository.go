package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/timetable-sync/pkg/types"
	"github.com/google/uuid"
)

const eventColumns = `fingerprint, external_id, attendance, last_updated,
	subject_code, section_code, subgroup_code, start_time, end_time,
	room, campus, instructor, session_kind, subject_name, calendar_kind,
	starts_at, ends_at`

// Repository stores surfaces in SQLite.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository wraps an opened database (see internal/store).
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

func (r *Repository) CreateSurface(ctx context.Context, name string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate surface id: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		"INSERT INTO surfaces (id, name, created_at) VALUES (?, ?, ?)",
		id.String(), name, r.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("failed to create surface %q: %w", name, err)
	}
	return id.String(), nil
}

func (r *Repository) SurfaceName(ctx context.Context, surfaceID string) (string, error) {
	var name string
	err := r.db.QueryRowContext(ctx, "SELECT name FROM surfaces WHERE id = ?", surfaceID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrSurfaceNotFound, surfaceID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to check surface: %w", err)
	}
	return name, nil
}

func (r *Repository) DropSurface(ctx context.Context, surfaceID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE surface_id = ?", surfaceID); err != nil {
		return fmt.Errorf("failed to delete surface rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM surfaces WHERE id = ?", surfaceID); err != nil {
		return fmt.Errorf("failed to delete surface: %w", err)
	}
	return tx.Commit()
}

func (r *Repository) ReadAll(ctx context.Context, surfaceID string) ([]types.ScheduleEvent, error) {
	if _, err := r.SurfaceName(ctx, surfaceID); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE surface_id = ? ORDER BY position", surfaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read surface: %w", err)
	}
	defer rows.Close()

	events := make([]types.ScheduleEvent, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate surface: %w", err)
	}
	return events, nil
}

func (r *Repository) WriteAll(ctx context.Context, surfaceID string, events []types.ScheduleEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := surfaceExists(ctx, tx, surfaceID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE surface_id = ?", surfaceID); err != nil {
		return fmt.Errorf("failed to clear surface: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events (surface_id, position, `+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, e := range events {
		_, err := stmt.ExecContext(ctx, surfaceID, i,
			e.Fingerprint, e.ExternalID, boolToInt(e.Attended), formatTime(e.LastUpdated),
			e.SubjectCode, e.SectionCode, e.SubgroupCode, e.StartTime, e.EndTime,
			e.Room, e.Campus, e.Instructor, e.SessionKind, e.SubjectName, e.CalendarKind,
			formatTime(e.StartsAt), formatTime(e.EndsAt))
		if err != nil {
			return fmt.Errorf("failed to insert event %s: %w", e.Fingerprint, err)
		}
	}
	return tx.Commit()
}

func (r *Repository) Clear(ctx context.Context, surfaceID string) error {
	return r.WriteAll(ctx, surfaceID, nil)
}

func (r *Repository) FindByFingerprint(ctx context.Context, surfaceID, fingerprint string) (types.ScheduleEvent, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE surface_id = ? AND fingerprint = ? ORDER BY position LIMIT 1",
		surfaceID, fingerprint)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ScheduleEvent{}, fmt.Errorf("%w: %s", ErrEventNotFound, fingerprint)
	}
	return e, err
}

func (r *Repository) UpdateField(ctx context.Context, surfaceID, fingerprint, field, value string) error {
	var arg any
	switch field {
	case FieldExternalID, FieldLastUpdated:
		arg = value
	case FieldAttendance:
		b, err := parseAttendance(value)
		if err != nil {
			return fmt.Errorf("invalid attendance value %q: %w", value, err)
		}
		arg = boolToInt(b)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}

	res, err := r.db.ExecContext(ctx,
		"UPDATE events SET "+field+" = ? WHERE surface_id = ? AND fingerprint = ?",
		arg, surfaceID, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", field, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrEventNotFound, fingerprint)
	}
	return nil
}

// UpdateExternalIDs writes every back-reference in one transaction.
// Fingerprints absent from the surface are skipped.
func (r *Repository) UpdateExternalIDs(ctx context.Context, surfaceID string, updates []types.ExternalIDUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := surfaceExists(ctx, tx, surfaceID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		"UPDATE events SET external_id = ?, last_updated = ? WHERE surface_id = ? AND fingerprint = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare update: %w", err)
	}
	defer stmt.Close()

	stamp := formatTime(r.now())
	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.ExternalID, stamp, surfaceID, u.Fingerprint); err != nil {
			return fmt.Errorf("failed to update external id of %s: %w", u.Fingerprint, err)
		}
	}
	return tx.Commit()
}

func surfaceExists(ctx context.Context, tx *sql.Tx, surfaceID string) error {
	var one int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM surfaces WHERE id = ?", surfaceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrSurfaceNotFound, surfaceID)
	}
	if err != nil {
		return fmt.Errorf("failed to check surface: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (types.ScheduleEvent, error) {
	var e types.ScheduleEvent
	var attendance int
	var lastUpdated, startsAt, endsAt string
	err := s.Scan(&e.Fingerprint, &e.ExternalID, &attendance, &lastUpdated,
		&e.SubjectCode, &e.SectionCode, &e.SubgroupCode, &e.StartTime, &e.EndTime,
		&e.Room, &e.Campus, &e.Instructor, &e.SessionKind, &e.SubjectName, &e.CalendarKind,
		&startsAt, &endsAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan event: %w", err)
	}
	e.Attended = attendance != 0
	e.LastUpdated = parseTime(lastUpdated)
	e.StartsAt = parseTime(startsAt)
	e.EndsAt = parseTime(endsAt)
	return e, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
