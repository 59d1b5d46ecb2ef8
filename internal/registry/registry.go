// Package registry tracks every environment incarnation the orchestrator knows about.
//
// The registry is bookkeeping, not authority: the data platform decides what
// exists. Refresh and retention report their mutations here so operators can see
// lineage (which source a target was cloned from, which target a backup backs),
// and Sync reconciles the registry with what the platform actually holds.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/envsync/internal/ids"
	"github.com/roach88/envsync/internal/model"
	"github.com/roach88/envsync/internal/store"
)

// ErrNotFound is returned when no live incarnation has the name.
var ErrNotFound = store.ErrNotFound

// Registry records environment incarnations in the store.
type Registry struct {
	store  *store.Store
	ids    ids.Generator
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithIDGenerator sets the incarnation ID generator. Defaults to UUIDv7.
func WithIDGenerator(g ids.Generator) Option {
	return func(r *Registry) { r.ids = g }
}

// WithNow sets the clock. Defaults to time.Now.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates a registry backed by st.
func New(st *store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:  st,
		ids:    ids.UUIDv7{},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register records name with role if it has no live incarnation and returns
// the live incarnation. An existing incarnation with a different role is an error.
func (r *Registry) Register(ctx context.Context, name string, role model.Role) (model.Environment, error) {
	existing, err := r.store.LiveEnvironment(ctx, name)
	switch {
	case err == nil:
		if existing.Role != role {
			return model.Environment{}, fmt.Errorf("register %s as %s: already registered as %s", name, role, existing.Role)
		}
		return existing, nil
	case !errors.Is(err, store.ErrNotFound):
		return model.Environment{}, fmt.Errorf("register %s: %w", name, err)
	}

	env := model.Environment{
		ID:        r.ids.Generate(),
		Name:      name,
		Role:      role,
		CreatedAt: r.now().UTC(),
		Status:    model.StatusActive,
	}
	if err := r.store.InsertEnvironment(ctx, env); err != nil {
		return model.Environment{}, fmt.Errorf("register %s: %w", name, err)
	}
	r.logger.Info("environment registered", "event", "register", "name", name, "role", role)
	return env, nil
}

// RecordBackup records a backup created from its target.
func (r *Registry) RecordBackup(ctx context.Context, b model.Backup) error {
	env := model.Environment{
		ID:          r.ids.Generate(),
		Name:        b.Name,
		Role:        model.RoleBackup,
		CreatedAt:   b.CreatedAt.UTC(),
		Parent:      b.Target,
		BacksTarget: b.Target,
		Status:      model.StatusActive,
	}
	if err := r.store.InsertEnvironment(ctx, env); err != nil {
		return fmt.Errorf("record backup %s: %w", b.Name, err)
	}
	return nil
}

// RecordTargetDropped marks the live target incarnation STALE: its data is gone
// but a successor has not been recorded yet.
func (r *Registry) RecordTargetDropped(ctx context.Context, target string) error {
	env, err := r.store.LiveEnvironment(ctx, target)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record drop of %s: %w", target, err)
	}
	if err := r.store.SetEnvironmentStatus(ctx, env.ID, model.StatusStale); err != nil {
		return fmt.Errorf("record drop of %s: %w", target, err)
	}
	return nil
}

// RecordTargetCloned records a new incarnation of target cloned from parent at
// time at. The previous incarnation, if any, becomes DELETED.
func (r *Registry) RecordTargetCloned(ctx context.Context, target, parent string, at time.Time) error {
	env := model.Environment{
		ID:        r.ids.Generate(),
		Name:      target,
		Role:      model.RoleTarget,
		CreatedAt: at.UTC(),
		Parent:    parent,
		Status:    model.StatusActive,
	}
	if err := r.store.SupersedeEnvironment(ctx, env); err != nil {
		return fmt.Errorf("record clone of %s: %w", target, err)
	}
	return nil
}

// MarkDeleted moves the live incarnation of name to DELETED.
// Names the registry never saw are ignored.
func (r *Registry) MarkDeleted(ctx context.Context, name string) error {
	env, err := r.store.LiveEnvironment(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark %s deleted: %w", name, err)
	}
	if err := r.store.SetEnvironmentStatus(ctx, env.ID, model.StatusDeleted); err != nil {
		return fmt.Errorf("mark %s deleted: %w", name, err)
	}
	return nil
}

// Active returns the live incarnation of name.
func (r *Registry) Active(ctx context.Context, name string) (model.Environment, error) {
	return r.store.LiveEnvironment(ctx, name)
}

// List returns every incarnation that is not DELETED, in registration order.
func (r *Registry) List(ctx context.Context) ([]model.Environment, error) {
	all, err := r.store.ListEnvironments(ctx, store.EnvironmentFilter{})
	if err != nil {
		return nil, err
	}
	live := []model.Environment{}
	for _, env := range all {
		if env.Status != model.StatusDeleted {
			live = append(live, env)
		}
	}
	return live, nil
}

// History returns every incarnation of name, oldest first.
func (r *Registry) History(ctx context.Context, name string) ([]model.Environment, error) {
	return r.store.ListEnvironments(ctx, store.EnvironmentFilter{Name: name})
}

// ListBackups returns the live backups recorded for target.
func (r *Registry) ListBackups(ctx context.Context, target string) ([]model.Environment, error) {
	return r.store.ListEnvironments(ctx, store.EnvironmentFilter{
		Role:        model.RoleBackup,
		Status:      model.StatusActive,
		BacksTarget: target,
	})
}
