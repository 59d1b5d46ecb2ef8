package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/envsync/internal/model"
)

// EnvironmentFilter narrows ListEnvironments. Zero fields match everything.
type EnvironmentFilter struct {
	Name        string
	Role        model.Role
	Status      model.Status
	BacksTarget string
}

const environmentColumns = `id, name, role, parent, backs_target, created_at, status`

// InsertEnvironment records a new environment incarnation.
func (s *Store) InsertEnvironment(ctx context.Context, env model.Environment) error {
	if err := insertEnvironment(ctx, s.db, env); err != nil {
		return fmt.Errorf("insert environment %s: %w", env.Name, err)
	}
	return nil
}

// SupersedeEnvironment marks every live incarnation of env.Name DELETED and
// inserts env as the new incarnation, atomically.
func (s *Store) SupersedeEnvironment(ctx context.Context, env model.Environment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("supersede environment %s: %w", env.Name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE environments SET status = ?
		WHERE name = ? AND status <> ?
	`, string(model.StatusDeleted), env.Name, string(model.StatusDeleted)); err != nil {
		return fmt.Errorf("supersede environment %s: retire previous: %w", env.Name, err)
	}
	if err := insertEnvironment(ctx, tx, env); err != nil {
		return fmt.Errorf("supersede environment %s: %w", env.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("supersede environment %s: commit: %w", env.Name, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEnvironment(ctx context.Context, db execer, env model.Environment) error {
	if !model.ValidRoles[env.Role] {
		return fmt.Errorf("invalid role %q", env.Role)
	}
	if !model.ValidStatuses[env.Status] {
		return fmt.Errorf("invalid status %q", env.Status)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO environments (`+environmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		env.ID,
		env.Name,
		string(env.Role),
		env.Parent,
		env.BacksTarget,
		env.CreatedAt.UTC().UnixNano(),
		string(env.Status),
	)
	return err
}

// SetEnvironmentStatus moves one incarnation to status.
// Returns ErrNotFound if no incarnation has the ID.
func (s *Store) SetEnvironmentStatus(ctx context.Context, id string, status model.Status) error {
	if !model.ValidStatuses[status] {
		return fmt.Errorf("set environment status: invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE environments SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set environment status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set environment status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set environment status %s: %w", id, ErrNotFound)
	}
	return nil
}

// LiveEnvironment returns the incarnation of name that is not DELETED.
// Returns ErrNotFound if there is none.
func (s *Store) LiveEnvironment(ctx context.Context, name string) (model.Environment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+environmentColumns+`
		FROM environments
		WHERE name = ? AND status <> ?
	`, name, string(model.StatusDeleted))

	env, err := scanEnvironment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Environment{}, fmt.Errorf("environment %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return model.Environment{}, fmt.Errorf("environment %s: %w", name, err)
	}
	return env, nil
}

// ListEnvironments returns incarnations matching filter in insertion order.
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) ListEnvironments(ctx context.Context, filter EnvironmentFilter) ([]model.Environment, error) {
	var conds []string
	var args []any
	if filter.Name != "" {
		conds = append(conds, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Role != "" {
		conds = append(conds, "role = ?")
		args = append(args, string(filter.Role))
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.BacksTarget != "" {
		conds = append(conds, "backs_target = ?")
		args = append(args, filter.BacksTarget)
	}

	query := `SELECT ` + environmentColumns + ` FROM environments`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query environments: %w", err)
	}
	defer rows.Close()

	envs := []model.Environment{}
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate environments: %w", err)
	}
	return envs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEnvironment(row scanner) (model.Environment, error) {
	var env model.Environment
	var role, status string
	var created int64
	if err := row.Scan(&env.ID, &env.Name, &role, &env.Parent, &env.BacksTarget, &created, &status); err != nil {
		return model.Environment{}, err
	}
	env.Role = model.Role(role)
	env.Status = model.Status(status)
	env.CreatedAt = time.Unix(0, created).UTC()
	return env, nil
}
