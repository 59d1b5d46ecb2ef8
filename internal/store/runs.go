package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/envsync/internal/model"
)

// WriteRefreshRun appends a terminated refresh run to the history.
// Runs that have not reached a terminal state are rejected.
func (s *Store) WriteRefreshRun(ctx context.Context, run *model.RefreshRun) error {
	if !run.State.Terminal() {
		return fmt.Errorf("write refresh run %s: state %s is not terminal", run.ID, run.State)
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("write refresh run %s: marshal: %w", run.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO refresh_runs
		(id, source, target, backup, state, outcome, started_at, finished_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.Source,
		run.Target,
		run.Backup,
		string(run.State),
		string(run.Outcome),
		run.StartedAt.UTC().UnixNano(),
		run.FinishedAt.UTC().UnixNano(),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("write refresh run %s: %w", run.ID, err)
	}
	return nil
}

// ListRefreshRuns returns the most recent refresh runs, newest first.
// An empty target matches every target; limit <= 0 means no limit.
func (s *Store) ListRefreshRuns(ctx context.Context, target string, limit int) ([]*model.RefreshRun, error) {
	query := `SELECT payload FROM refresh_runs`
	var args []any
	if target != "" {
		query += ` WHERE target = ?`
		args = append(args, target)
	}
	query += ` ORDER BY seq DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	runs := []*model.RefreshRun{}
	err := s.eachPayload(ctx, query, args, func(payload string) error {
		var run model.RefreshRun
		if err := json.Unmarshal([]byte(payload), &run); err != nil {
			return fmt.Errorf("unmarshal refresh run: %w", err)
		}
		runs = append(runs, &run)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list refresh runs: %w", err)
	}
	return runs, nil
}

// GetRefreshRun returns one refresh run by ID.
func (s *Store) GetRefreshRun(ctx context.Context, id string) (*model.RefreshRun, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM refresh_runs WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("refresh run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("refresh run %s: %w", id, err)
	}
	var run model.RefreshRun
	if err := json.Unmarshal([]byte(payload), &run); err != nil {
		return nil, fmt.Errorf("refresh run %s: unmarshal: %w", id, err)
	}
	return &run, nil
}

// WriteChainRun appends a stopped chain cycle to the history.
func (s *Store) WriteChainRun(ctx context.Context, run *model.TaskChainRun) error {
	if run.StoppedAt.IsZero() {
		return fmt.Errorf("write chain run %s: cycle has not stopped", run.ID)
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("write chain run %s: marshal: %w", run.ID, err)
	}

	succeeded := 0
	if run.Succeeded() {
		succeeded = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chain_runs
		(id, trigger_kind, succeeded, started_at, stopped_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		string(run.Trigger),
		succeeded,
		run.StartedAt.UTC().UnixNano(),
		run.StoppedAt.UTC().UnixNano(),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("write chain run %s: %w", run.ID, err)
	}
	return nil
}

// ListChainRuns returns the most recent chain cycles, newest first.
// limit <= 0 means no limit.
func (s *Store) ListChainRuns(ctx context.Context, limit int) ([]*model.TaskChainRun, error) {
	query := `SELECT payload FROM chain_runs ORDER BY seq DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	runs := []*model.TaskChainRun{}
	err := s.eachPayload(ctx, query, args, func(payload string) error {
		var run model.TaskChainRun
		if err := json.Unmarshal([]byte(payload), &run); err != nil {
			return fmt.Errorf("unmarshal chain run: %w", err)
		}
		runs = append(runs, &run)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list chain runs: %w", err)
	}
	return runs, nil
}

// GetChainRun returns one chain cycle by ID.
func (s *Store) GetChainRun(ctx context.Context, id string) (*model.TaskChainRun, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM chain_runs WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chain run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("chain run %s: %w", id, err)
	}
	var run model.TaskChainRun
	if err := json.Unmarshal([]byte(payload), &run); err != nil {
		return nil, fmt.Errorf("chain run %s: unmarshal: %w", id, err)
	}
	return &run, nil
}

func (s *Store) eachPayload(ctx context.Context, query string, args []any, fn func(string) error) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if err := fn(payload); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate: %w", err)
	}
	return nil
}
