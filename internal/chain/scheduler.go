package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/roach88/envsync/internal/alert"
	"github.com/roach88/envsync/internal/ids"
	"github.com/roach88/envsync/internal/metrics"
	"github.com/roach88/envsync/internal/model"
)

// DefaultSchedule fires every 12 hours on the hour.
const DefaultSchedule = "0 */12 * * *"

var (
	// ErrCycleInProgress is returned when a trigger arrives while a cycle runs.
	ErrCycleInProgress = errors.New("chain cycle already in progress")

	// ErrAlreadyStarted is returned by Start on a running scheduler.
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// HistoryWriter persists finished cycles. *store.Store satisfies it.
type HistoryWriter interface {
	WriteChainRun(ctx context.Context, run *model.TaskChainRun) error
}

// Scheduler triggers chain cycles on a cron schedule and on demand.
//
// Scheduled cycles honour suspension: a suspended node is recorded as SKIPPED
// and everything downstream of it is skipped too, so suspending the root halts
// the chain. Manual triggers invoke every node regardless of suspension.
//
// Thread-safety: Scheduler is safe for concurrent use. At most one cycle runs
// at a time; overlapping triggers fail with ErrCycleInProgress.
type Scheduler struct {
	graph    *Graph
	executor *Executor
	schedule cron.Schedule
	spec     string
	location *time.Location
	history  HistoryWriter
	alerts   alert.Sink
	metrics  *metrics.Metrics
	ids      ids.Generator
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	states  map[string]model.NodeState
	running bool
	cron    *cron.Cron
	last    *model.TaskChainRun
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSchedule sets the cron spec (five fields or a descriptor such as @daily).
func WithSchedule(spec string) Option {
	return func(s *Scheduler) { s.spec = spec }
}

// WithLocation sets the time zone the schedule is evaluated in. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.location = loc }
}

// WithHistory persists every finished cycle.
func WithHistory(w HistoryWriter) Option {
	return func(s *Scheduler) { s.history = w }
}

// WithAlerts sets the sink told about completed cycles.
func WithAlerts(a alert.Sink) Option {
	return func(s *Scheduler) { s.alerts = a }
}

// WithMetrics records cycle and stage metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithIDGenerator sets the cycle ID generator. Defaults to UUIDv7.
func WithIDGenerator(g ids.Generator) Option {
	return func(s *Scheduler) { s.ids = g }
}

// WithNow sets the clock for cycle and stage timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithSuspended starts the named nodes suspended.
func WithSuspended(nodes ...string) Option {
	return func(s *Scheduler) {
		for _, n := range nodes {
			s.states[n] = model.NodeSuspended
		}
	}
}

// NewScheduler creates a scheduler for g. Every node starts SCHEDULED unless
// suspended.
func NewScheduler(g *Graph, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		graph:    g,
		spec:     DefaultSchedule,
		location: time.UTC,
		alerts:   alert.Nop{},
		ids:      ids.UUIDv7{},
		now:      time.Now,
		logger:   slog.Default(),
		states:   make(map[string]model.NodeState, len(g.order)),
	}
	for _, opt := range opts {
		opt(s)
	}
	for name, st := range s.states {
		if _, ok := g.nodes[name]; !ok && st == model.NodeSuspended {
			return nil, fmt.Errorf("suspend %q: %w", name, ErrUnknownNode)
		}
	}
	for _, name := range g.order {
		if _, ok := s.states[name]; !ok {
			s.states[name] = model.NodeScheduled
		}
	}

	schedule, err := cron.ParseStandard(s.spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", s.spec, err)
	}
	s.schedule = schedule

	s.executor = NewExecutor(g, s.logger)
	s.executor.metrics = s.metrics
	s.executor.now = s.now
	s.executor.observe = s.observe
	return s, nil
}

// Start begins firing scheduled cycles. Cycles run with ctx; cancel it (or call
// Stop) to end scheduling.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return ErrAlreadyStarted
	}

	c := cron.New(cron.WithLocation(s.location), cron.WithLogger(cronLogger{s.logger}))
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.RunCycle(ctx, model.TriggerScheduled); err != nil {
			s.logger.Warn("scheduled cycle not run", "event", "cycle_skipped", "error", err)
		}
	}))
	c.Start()
	s.cron = c
	s.logger.Info("scheduler started", "event", "scheduler_started", "schedule", s.spec, "next", s.nextLocked())
	return nil
}

// Stop ends scheduling and returns a context that is done once any running
// cycle has returned.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	done := s.cron.Stop()
	s.cron = nil
	s.logger.Info("scheduler stopped", "event", "scheduler_stopped")
	return done
}

// Next returns the next scheduled fire time after now.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked()
}

func (s *Scheduler) nextLocked() time.Time {
	return s.schedule.Next(s.now().In(s.location))
}

// Trigger runs one cycle now, on demand.
func (s *Scheduler) Trigger(ctx context.Context) (*model.TaskChainRun, error) {
	return s.RunCycle(ctx, model.TriggerManual)
}

// Suspend stops node from running in scheduled cycles.
func (s *Scheduler) Suspend(node string) error {
	return s.setSuspended(node, true)
}

// Resume returns a suspended node to SCHEDULED.
func (s *Scheduler) Resume(node string) error {
	return s.setSuspended(node, false)
}

func (s *Scheduler) setSuspended(node string, suspended bool) error {
	if _, ok := s.graph.nodes[node]; !ok {
		return fmt.Errorf("%q: %w", node, ErrUnknownNode)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case suspended:
		s.states[node] = model.NodeSuspended
	case s.states[node] == model.NodeSuspended:
		s.states[node] = model.NodeScheduled
	}
	s.logger.Info("node state changed", "event", "node_state", "node", node, "state", s.states[node])
	return nil
}

// States returns a snapshot of every node's state.
func (s *Scheduler) States() map[string]model.NodeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.states)
}

// Last returns the most recent finished cycle, or nil.
func (s *Scheduler) Last() *model.TaskChainRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// RunCycle runs one cycle with the given trigger and returns its record.
// The record is persisted before RunCycle returns.
func (s *Scheduler) RunCycle(ctx context.Context, trigger model.Trigger) (*model.TaskChainRun, error) {
	skip, err := s.begin(trigger)
	if err != nil {
		return nil, err
	}

	run := &model.TaskChainRun{
		ID:        s.ids.Generate(),
		Trigger:   trigger,
		Stages:    []model.StageRecord{},
		StartedAt: s.now(),
	}
	s.logger.Info("cycle started", "event", "cycle_started", "run", run.ID, "trigger", trigger)

	s.executor.Execute(ctx, run, skip)
	run.StoppedAt = s.now()

	s.end(run)
	s.finish(ctx, run)
	return run, nil
}

// begin claims the cycle slot and returns the nodes to skip.
func (s *Scheduler) begin(trigger model.Trigger) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, ErrCycleInProgress
	}
	s.running = true

	skip := map[string]string{}
	if trigger == model.TriggerScheduled {
		for name, st := range s.states {
			if st == model.NodeSuspended {
				skip[name] = "node suspended"
			}
		}
	}
	return skip, nil
}

// observe tracks a node entering RUNNING. Suspended nodes only run on manual
// triggers and keep their SUSPENDED state.
func (s *Scheduler) observe(node string, state model.NodeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[node] != model.NodeSuspended {
		s.states[node] = state
	}
}

// end releases the slot and records each node's latest state. Suspended nodes
// stay suspended; skipped nodes go back to SCHEDULED.
func (s *Scheduler) end(run *model.TaskChainRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stage := range run.Stages {
		if s.states[stage.Node] == model.NodeSuspended {
			continue
		}
		switch stage.State {
		case model.NodeSucceeded, model.NodeFailed:
			s.states[stage.Node] = stage.State
		default:
			s.states[stage.Node] = model.NodeScheduled
		}
	}
	s.running = false
	s.last = run
}

func (s *Scheduler) finish(ctx context.Context, run *model.TaskChainRun) {
	ok := run.Succeeded()
	s.metrics.CycleFinished(string(run.Trigger), ok)
	if ok {
		s.logger.Info("cycle completed", "event", "cycle_completed", "run", run.ID)
	} else {
		s.logger.Warn("cycle halted", "event", "cycle_halted", "run", run.ID, "reason", run.StopReason)
	}

	detached := context.WithoutCancel(ctx)
	if s.history != nil {
		if err := s.history.WriteChainRun(detached, run); err != nil {
			s.logger.Error("persist chain run", "event", "history_error", "run", run.ID, "error", err)
		}
	}
	if ok {
		event := alert.Event{
			Severity: alert.SeverityInfo,
			Subject:  "refresh chain completed",
			Body:     run.String(),
			RunID:    run.ID,
			At:       run.StoppedAt,
		}
		if run.Refresh != nil {
			event.Target = run.Refresh.Target
			event.Subject = fmt.Sprintf("refresh chain completed for %s", run.Refresh.Target)
		}
		if err := s.alerts.Emit(detached, event); err != nil {
			s.logger.Error("emit alert", "event", "alert_error", "run", run.ID, "error", err)
		}
	}
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, append([]any{"event", "cron"}, keysAndValues...)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]any{"event", "cron", "error", err}, keysAndValues...)...)
}
