// Package refresh implements the refresh state machine: back up the target,
// drop it, clone the source into it, validate the result, and roll back to the
// backup when the clone or validation fails.
//
// The machine is the only writer of a RefreshRun. Every run ends in a terminal
// state with an explicit outcome; the target is never left dropped without an
// attempted restore, and a failed restore is reported as FATAL.
//
// Drop, clone, validate, and rollback form a critical section. Once the drop
// has begun the run ignores caller cancellation and is bounded only by the
// configured phase timeouts.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/roach88/envsync/internal/alert"
	"github.com/roach88/envsync/internal/failure"
	"github.com/roach88/envsync/internal/ids"
	"github.com/roach88/envsync/internal/lock"
	"github.com/roach88/envsync/internal/metrics"
	"github.com/roach88/envsync/internal/model"
	"github.com/roach88/envsync/internal/naming"
	"github.com/roach88/envsync/internal/platform"
)

// DefaultThreshold is the default minimum relation count of a valid clone.
const DefaultThreshold = 12

// ErrSameEnvironment is returned when source and target name the same environment.
var ErrSameEnvironment = errors.New("source and target are the same environment")

// Recorder receives environment lifecycle events. *registry.Registry satisfies it.
type Recorder interface {
	RecordBackup(ctx context.Context, b model.Backup) error
	RecordTargetDropped(ctx context.Context, target string) error
	RecordTargetCloned(ctx context.Context, target, parent string, at time.Time) error
}

// HistoryWriter persists terminated runs. *store.Store satisfies it.
type HistoryWriter interface {
	WriteRefreshRun(ctx context.Context, run *model.RefreshRun) error
}

// Timeouts bounds each platform phase. Zero disables the bound.
type Timeouts struct {
	Backup   time.Duration
	Drop     time.Duration
	Clone    time.Duration
	Validate time.Duration
	Rollback time.Duration
}

// DefaultTimeouts returns generous per-phase bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Backup:   30 * time.Minute,
		Drop:     5 * time.Minute,
		Clone:    30 * time.Minute,
		Validate: 5 * time.Minute,
		Rollback: 30 * time.Minute,
	}
}

// Machine runs refreshes against one data platform.
//
// Thread-safety: Machine is safe for concurrent use. Runs against the same
// target are serialized by the locker; different targets proceed in parallel.
type Machine struct {
	platform  platform.Platform
	scheme    *naming.Scheme
	locker    lock.Locker
	recorder  Recorder
	history   HistoryWriter
	alerts    alert.Sink
	metrics   *metrics.Metrics
	ids       ids.Generator
	now       func() time.Time
	logger    *slog.Logger
	threshold int
	timeouts  Timeouts
}

// Option configures a Machine.
type Option func(*Machine)

// WithThreshold sets the minimum relation count of a valid clone.
func WithThreshold(n int) Option {
	return func(m *Machine) { m.threshold = n }
}

// WithTimeouts sets per-phase timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(m *Machine) { m.timeouts = t }
}

// WithRecorder reports environment lifecycle events to r.
func WithRecorder(r Recorder) Option {
	return func(m *Machine) { m.recorder = r }
}

// WithHistory persists every terminated run to w.
func WithHistory(w HistoryWriter) Option {
	return func(m *Machine) { m.history = w }
}

// WithAlerts sets the alert sink. Defaults to alert.Nop.
func WithAlerts(s alert.Sink) Option {
	return func(m *Machine) { m.alerts = s }
}

// WithMetrics records phase durations and outcomes.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// WithIDGenerator sets the run ID generator. Defaults to UUIDv7.
func WithIDGenerator(g ids.Generator) Option {
	return func(m *Machine) { m.ids = g }
}

// WithNow sets the clock used for transitions and backup names.
func WithNow(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// New creates a refresh state machine.
func New(p platform.Platform, scheme *naming.Scheme, locker lock.Locker, opts ...Option) *Machine {
	m := &Machine{
		platform:  p,
		scheme:    scheme,
		locker:    locker,
		alerts:    alert.Nop{},
		ids:       ids.UUIDv7{},
		now:       time.Now,
		logger:    slog.Default(),
		threshold: DefaultThreshold,
		timeouts:  DefaultTimeouts(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Threshold returns the configured minimum relation count.
func (m *Machine) Threshold() int {
	return m.threshold
}

// Refresh replaces target with a fresh clone of source.
//
// Precondition violations (same environment, missing environment, target
// locked) return a nil run and an error; nothing is mutated. Otherwise the
// returned run is terminal with its outcome set. A non-SUCCESS outcome is also
// returned as a *failure.Error so callers can branch with failure.IsFatal.
func (m *Machine) Refresh(ctx context.Context, source, target string) (*model.RefreshRun, error) {
	if source == target {
		return nil, fmt.Errorf("refresh %s: %w", target, ErrSameEnvironment)
	}
	for _, name := range []string{source, target} {
		ok, err := m.platform.EnvironmentExists(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("refresh %s: check %s: %w", target, name, err)
		}
		if !ok {
			return nil, fmt.Errorf("refresh %s: %s: %w", target, name, platform.ErrNotFound)
		}
	}

	unlock, err := m.locker.TryLock(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("refresh %s: %w", target, err)
	}
	defer unlock()

	ctx, span := otel.Tracer("envsync/refresh").Start(ctx, "refresh")
	span.SetAttributes(attribute.String("source", source), attribute.String("target", target))
	defer span.End()

	r := &runner{m: m, run: &model.RefreshRun{
		ID:          m.ids.Generate(),
		Source:      source,
		Target:      target,
		Transitions: []model.Transition{},
	}}
	r.run.StartedAt = r.enter(model.StateStart)
	m.logger.Info("refresh started", "event", "refresh_started", "run", r.run.ID, "source", source, "target", target)

	r.execute(ctx)
	m.finish(ctx, r.run)

	span.SetAttributes(attribute.String("outcome", string(r.run.Outcome)))
	if r.err != nil {
		span.SetStatus(codes.Error, r.err.Error())
		return r.run, r.err
	}
	return r.run, nil
}

// runner carries one run through the state machine.
type runner struct {
	m   *Machine
	run *model.RefreshRun
	err *failure.Error
}

func (r *runner) enter(state model.RefreshState) time.Time {
	at := r.m.now()
	r.run.State = state
	r.run.Transitions = append(r.run.Transitions, model.Transition{State: state, At: at})
	r.m.logger.Debug("refresh transition", "event", "refresh_transition", "run", r.run.ID, "state", state)
	return at
}

func (r *runner) fail(state model.RefreshState, outcome model.Outcome, err *failure.Error) {
	r.enter(state)
	r.run.Outcome = outcome
	r.run.Error = err.Error()
	r.err = err
}

func (r *runner) execute(ctx context.Context) {
	m, run := r.m, r.run

	backup, err := m.createBackup(ctx, run.Target)
	if err != nil {
		r.fail(model.StateBackupCreateFailed, model.OutcomeFailedNoBackup,
			failure.New(failure.CodeBackupCreationFailed, "backup", run.Target, err))
		return
	}
	run.Backup = backup.Name
	r.enter(model.StateBackupCreated)
	m.record(ctx, "record backup", func(ctx context.Context) error { return m.recorder.RecordBackup(ctx, backup) })

	// From here on a caller cancel must not strand the target.
	critical := context.WithoutCancel(ctx)

	if err := m.drop(critical, run.Target); err != nil {
		r.fail(model.StateDropFailed, model.OutcomeDropFailed,
			failure.New(failure.CodeDropFailed, "drop", run.Target, err))
		return
	}
	r.enter(model.StateTargetDropped)
	m.record(critical, "record drop", func(ctx context.Context) error { return m.recorder.RecordTargetDropped(ctx, run.Target) })

	if err := m.phase(critical, "clone", m.timeouts.Clone, func(ctx context.Context) error {
		return m.platform.CloneEnvironment(ctx, run.Source, run.Target)
	}); err != nil {
		r.enter(model.StateCloneFailed)
		r.rollback(critical, failure.New(failure.CodeCloneFailed, "clone", run.Target,
			fmt.Errorf("clone %s to %s: %w", run.Source, run.Target, err)))
		return
	}
	r.enter(model.StateTargetCloned)

	if err := r.validate(critical); err != nil {
		r.enter(model.StateValidationFailed)
		r.rollback(critical, failure.New(failure.CodeValidationFailed, "validate", run.Target, err))
		return
	}
	r.enter(model.StateValidated)
	run.Outcome = model.OutcomeSuccess
	m.record(critical, "record clone", func(ctx context.Context) error {
		return m.recorder.RecordTargetCloned(ctx, run.Target, run.Source, m.now())
	})
}

// createBackup clones target to the next free backup name.
func (m *Machine) createBackup(ctx context.Context, target string) (model.Backup, error) {
	created := m.now().UTC()
	for seq := 0; seq <= naming.MaxSeq; seq++ {
		name := m.scheme.Encode(target, created, seq)
		err := m.phase(ctx, "backup", m.timeouts.Backup, func(ctx context.Context) error {
			return m.platform.CloneEnvironment(ctx, target, name)
		})
		if errors.Is(err, platform.ErrExists) {
			continue
		}
		if err != nil {
			return model.Backup{}, fmt.Errorf("clone %s to %s: %w", target, name, err)
		}
		m.logger.Info("backup created", "event", "backup_created", "target", target, "backup", name)
		return model.Backup{Name: name, Target: target, CreatedAt: created, Seq: seq}, nil
	}
	return model.Backup{}, fmt.Errorf("create backup of %s: no free name in %s", target, created.Format(naming.TimestampLayout))
}

// drop removes target. A drop that reports an error but left no target behind
// counts as done: the clone and its rollback path take over from there.
func (m *Machine) drop(ctx context.Context, target string) error {
	err := m.phase(ctx, "drop", m.timeouts.Drop, func(ctx context.Context) error {
		return m.platform.DropEnvironment(ctx, target)
	})
	if err == nil {
		return nil
	}
	exists, xerr := m.platform.EnvironmentExists(ctx, target)
	if xerr != nil {
		return fmt.Errorf("drop %s: %w (existence check: %v)", target, err, xerr)
	}
	if exists {
		return fmt.Errorf("drop %s: %w", target, err)
	}
	m.logger.Warn("drop reported an error but target is gone",
		"event", "drop_error_ignored", "target", target, "error", err)
	return nil
}

func (r *runner) validate(ctx context.Context) error {
	m, run := r.m, r.run
	var count int
	err := m.phase(ctx, "validate", m.timeouts.Validate, func(ctx context.Context) error {
		var err error
		count, err = m.platform.CountRelations(ctx, run.Target)
		return err
	})
	run.Validation = model.Validation{Checked: err == nil, RelationCount: count, Threshold: m.threshold}
	if err != nil {
		return fmt.Errorf("validation failed: count relations in %s: %w", run.Target, err)
	}
	if count < m.threshold {
		return fmt.Errorf("validation failed: found %d relations, fewer than threshold %d", count, m.threshold)
	}
	run.Validation.Passed = true
	return nil
}

// rollback restores the target from the run's backup after cause.
func (r *runner) rollback(ctx context.Context, cause *failure.Error) {
	m, run := r.m, r.run
	m.logger.Warn("rollback started", "event", "rollback_started",
		"run", run.ID, "target", run.Target, "backup", run.Backup, "cause", cause)

	if err := m.restoreFrom(ctx, run.Target, run.Backup); err != nil {
		r.fail(model.StateRollbackFailed, model.OutcomeFatal,
			failure.New(failure.CodeRollbackFailed, "rollback", run.Target,
				fmt.Errorf("%v; rollback from %s: %w", cause, run.Backup, err)))
		m.logger.Error("rollback failed: no live target exists", "event", "rollback_failed",
			"run", run.ID, "target", run.Target, "backup", run.Backup, "error", err)
		return
	}
	r.fail(model.StateRolledBack, model.OutcomeRolledBack, cause)
	m.logger.Info("rollback completed", "event", "rollback_completed", "run", run.ID, "target", run.Target)
	m.record(ctx, "record rollback", func(ctx context.Context) error {
		return m.recorder.RecordTargetCloned(ctx, run.Target, run.Backup, m.now())
	})
}

// restoreFrom drops whatever is left of target and clones backup into it.
func (m *Machine) restoreFrom(ctx context.Context, target, backup string) error {
	return m.phase(ctx, "rollback", m.timeouts.Rollback, func(ctx context.Context) error {
		exists, err := m.platform.EnvironmentExists(ctx, target)
		if err != nil {
			return fmt.Errorf("check %s: %w", target, err)
		}
		if exists {
			if err := m.platform.DropEnvironment(ctx, target); err != nil {
				return fmt.Errorf("drop partial %s: %w", target, err)
			}
		}
		if err := m.platform.CloneEnvironment(ctx, backup, target); err != nil {
			return fmt.Errorf("clone %s to %s: %w", backup, target, err)
		}
		return nil
	})
}

// phase runs fn under the phase timeout and observes its duration.
func (m *Machine) phase(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(ctx)
	m.metrics.PhaseObserved(name, err == nil, time.Since(start))
	return err
}

// record reports to the recorder. Bookkeeping failures never change the outcome.
func (m *Machine) record(ctx context.Context, what string, fn func(context.Context) error) {
	if m.recorder == nil {
		return
	}
	if err := fn(ctx); err != nil {
		m.logger.Warn("registry update failed", "event", "registry_error", "op", what, "error", err)
	}
}

func (m *Machine) finish(ctx context.Context, run *model.RefreshRun) {
	run.FinishedAt = m.now()
	m.metrics.RefreshFinished(run.Target, string(run.Outcome))

	logArgs := []any{"event", "refresh_finished", "run", run.ID, "target", run.Target,
		"outcome", run.Outcome, "state", run.State, "duration", run.Duration()}
	switch run.Outcome {
	case model.OutcomeSuccess:
		m.logger.Info("refresh finished", logArgs...)
	case model.OutcomeFatal:
		m.logger.Error("refresh finished", append(logArgs, "error", run.Error)...)
	default:
		m.logger.Warn("refresh finished", append(logArgs, "error", run.Error)...)
	}

	if m.history != nil {
		if err := m.history.WriteRefreshRun(context.WithoutCancel(ctx), run); err != nil {
			m.logger.Error("persist refresh run", "event", "history_error", "run", run.ID, "error", err)
		}
	}

	var event *alert.Event
	switch {
	case run.Outcome == model.OutcomeFatal:
		event = &alert.Event{Severity: alert.SeverityCritical,
			Subject: fmt.Sprintf("FATAL: refresh of %s left no live target", run.Target)}
	case run.State == model.StateRolledBack && passedThrough(run, model.StateValidationFailed):
		event = &alert.Event{Severity: alert.SeverityWarning,
			Subject: fmt.Sprintf("refresh of %s failed validation and was rolled back", run.Target)}
	}
	if event != nil {
		event.Body = run.Summary()
		event.Target = run.Target
		event.RunID = run.ID
		event.At = run.FinishedAt
		if err := m.alerts.Emit(context.WithoutCancel(ctx), *event); err != nil {
			m.logger.Error("emit alert", "event", "alert_error", "run", run.ID, "error", err)
		}
	}
}

func passedThrough(run *model.RefreshRun, state model.RefreshState) bool {
	for _, t := range run.Transitions {
		if t.State == state {
			return true
		}
	}
	return false
}
