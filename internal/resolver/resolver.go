// Package resolver maps persisted resource identifiers to live resources,
// recreating a resource when its identifier has gone stale.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/timetable-sync/internal/calendar"
	"github.com/ChuLiYu/timetable-sync/internal/logging"
	"github.com/ChuLiYu/timetable-sync/internal/props"
	"github.com/ChuLiYu/timetable-sync/internal/snapshot"
	"github.com/ChuLiYu/timetable-sync/internal/syncerr"
)

var log = logging.Component("resolver")

// Provider checks and creates one kind of resource.
type Provider interface {
	Kind() string
	// Probe fails when id no longer names a live resource.
	Probe(ctx context.Context, id string) error
	Create(ctx context.Context) (string, error)
}

// Resolver persists identifiers in the property store.
type Resolver struct {
	props props.Store
}

func New(p props.Store) *Resolver {
	return &Resolver{props: p}
}

// Resolve returns a live identifier for key, creating and persisting a new
// resource when the stored one is absent or fails its liveness check.
func (r *Resolver) Resolve(ctx context.Context, key string, p Provider) (string, error) {
	id, ok, err := r.props.Get(key)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}

	if ok && id != "" {
		perr := p.Probe(ctx, id)
		if perr == nil {
			return id, nil
		}
		stale := &syncerr.ResourceUnavailableError{Kind: p.Kind(), ID: id, Err: perr}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Warn("stored identifier is stale, recreating", "key", key, "error", stale)
	}

	created, err := p.Create(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", p.Kind(), err)
	}
	if err := r.props.Set(key, created); err != nil {
		return "", fmt.Errorf("failed to persist %s: %w", key, err)
	}
	log.Info("resource created", "kind", p.Kind(), "key", key, "id", created)
	return created, nil
}

// Forget drops stored identifiers so the next Resolve recreates them.
func (r *Resolver) Forget(keys ...string) error {
	return r.props.Delete(keys...)
}

// Surface provides a named snapshot surface.
type Surface struct {
	Storage snapshot.Storage
	Name    string
}

func (s Surface) Kind() string { return "snapshot surface " + s.Name }

func (s Surface) Probe(ctx context.Context, id string) error {
	name, err := s.Storage.SurfaceName(ctx, id)
	if err != nil {
		return err
	}
	if name != s.Name {
		return fmt.Errorf("surface %s is named %q, want %q", id, name, s.Name)
	}
	return nil
}

func (s Surface) Create(ctx context.Context) (string, error) {
	return s.Storage.CreateSurface(ctx, s.Name)
}

// Calendar provides the target calendar.
type Calendar struct {
	Backend calendar.Backend
	Name    string
}

func (c Calendar) Kind() string { return "calendar" }

func (c Calendar) Probe(ctx context.Context, id string) error {
	_, err := c.Backend.CalendarName(ctx, id)
	return err
}

func (c Calendar) Create(ctx context.Context) (string, error) {
	return c.Backend.CreateCalendar(ctx, c.Name)
}

// IsStale reports whether err means a resolved identifier went away.
func IsStale(err error) bool {
	return errors.Is(err, snapshot.ErrSurfaceNotFound) || errors.Is(err, calendar.ErrCalendarNotFound)
}
