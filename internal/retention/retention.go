// Package retention bounds storage growth by deleting all but the newest
// backups of a target.
//
// Backups are identified by decoding platform listings with the naming scheme,
// so environments that merely share a prefix are never touched. Deletion is
// best effort: one failed delete is recorded and the rest proceed.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/envsync/internal/failure"
	"github.com/roach88/envsync/internal/lock"
	"github.com/roach88/envsync/internal/metrics"
	"github.com/roach88/envsync/internal/model"
	"github.com/roach88/envsync/internal/naming"
	"github.com/roach88/envsync/internal/platform"
)

// DefaultKeep is the default number of backups kept per target.
const DefaultKeep = 3

// Recorder is told about deleted backups. *registry.Registry satisfies it.
type Recorder interface {
	MarkDeleted(ctx context.Context, name string) error
}

// DeleteFailure is a backup retention could not delete.
type DeleteFailure struct {
	Backup string `json:"backup"`
	Error  string `json:"error"`
}

// Result is the outcome of one retention pass.
type Result struct {
	Target   string
	Keep     int
	Kept     []model.Backup
	Deleted  []model.Backup
	Failures []DeleteFailure
}

// Summary converts the result to its persisted shape.
func (r Result) Summary() *model.RetentionSummary {
	s := &model.RetentionSummary{Target: r.Target, Kept: backupNames(r.Kept), Deleted: backupNames(r.Deleted)}
	for _, f := range r.Failures {
		s.Failures = append(s.Failures, f.Backup+": "+f.Error)
	}
	return s
}

func (r Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "retain %s (keep %d): %d kept, %d deleted, %d failed\n",
		r.Target, r.Keep, len(r.Kept), len(r.Deleted), len(r.Failures))
	for _, k := range r.Kept {
		fmt.Fprintf(&b, "  kept     %s\n", k.Name)
	}
	for _, d := range r.Deleted {
		fmt.Fprintf(&b, "  deleted  %s\n", d.Name)
	}
	for _, f := range r.Failures {
		fmt.Fprintf(&b, "  failed   %s: %s\n", f.Backup, f.Error)
	}
	return b.String()
}

// Manager applies the retention policy on one platform.
//
// Thread-safety: Manager is safe for concurrent use.
type Manager struct {
	platform platform.Platform
	scheme   *naming.Scheme
	locker   lock.Locker
	recorder Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLocker makes Retain hold the target's lock, so it cannot race a refresh
// whose rollback still needs its backup.
func WithLocker(l lock.Locker) Option {
	return func(m *Manager) { m.locker = l }
}

// WithRecorder reports deletions to r.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithMetrics counts deletions and failures.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a retention manager.
func New(p platform.Platform, scheme *naming.Scheme, opts ...Option) *Manager {
	m := &Manager{platform: p, scheme: scheme, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Backups returns the backups of target, newest first.
func (m *Manager) Backups(ctx context.Context, target string) ([]model.Backup, error) {
	listings, err := m.platform.ListEnvironments(ctx, m.scheme.Prefix(target))
	if err != nil {
		return nil, fmt.Errorf("list backups of %s: %w", target, err)
	}
	backups := []model.Backup{}
	for _, l := range listings {
		if b, ok := m.scheme.DecodeFor(target, l.Name); ok {
			backups = append(backups, b)
		}
	}
	slices.SortFunc(backups, func(a, b model.Backup) int {
		switch {
		case a.Newer(b):
			return -1
		case b.Newer(a):
			return 1
		}
		return 0
	})
	return backups, nil
}

// Retain keeps the keep newest backups of target and deletes the rest.
// Names in exempt are never deleted.
//
// Only listing or locking failures return an error; failed deletions are
// reported in Result.Failures.
func (m *Manager) Retain(ctx context.Context, target string, keep int, exempt ...string) (Result, error) {
	res := Result{Target: target, Keep: keep, Kept: []model.Backup{}, Deleted: []model.Backup{}}
	if keep < 0 {
		return res, fmt.Errorf("retain %s: keep must not be negative, got %d", target, keep)
	}

	if m.locker != nil {
		unlock, err := m.locker.TryLock(ctx, target)
		if err != nil {
			return res, fmt.Errorf("retain %s: %w", target, err)
		}
		defer unlock()
	}

	backups, err := m.Backups(ctx, target)
	if err != nil {
		return res, failure.New(failure.CodeRetentionFailed, "retain", target, err)
	}

	for i, b := range backups {
		if i < keep || slices.Contains(exempt, b.Name) {
			res.Kept = append(res.Kept, b)
			continue
		}
		if err := m.platform.DropEnvironment(ctx, b.Name); err != nil {
			res.Failures = append(res.Failures, DeleteFailure{Backup: b.Name, Error: err.Error()})
			m.logger.Warn("backup deletion failed", "event", "retention_delete_failed",
				"target", target, "backup", b.Name, "error", err)
			continue
		}
		res.Deleted = append(res.Deleted, b)
		m.logger.Info("backup deleted", "event", "retention_deleted", "target", target, "backup", b.Name)
		if m.recorder != nil {
			if err := m.recorder.MarkDeleted(ctx, b.Name); err != nil {
				m.logger.Warn("registry update failed", "event", "registry_error", "backup", b.Name, "error", err)
			}
		}
	}

	m.metrics.BackupsDeleted(target, len(res.Deleted), len(res.Failures))
	m.logger.Info("retention finished", "event", "retention_finished", "target", target,
		"kept", len(res.Kept), "deleted", len(res.Deleted), "failed", len(res.Failures))
	return res, nil
}

func backupNames(bs []model.Backup) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = b.Name
	}
	return out
}
