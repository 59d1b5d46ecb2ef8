package refresh

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/envsync/internal/alert"
	"github.com/roach88/envsync/internal/failure"
	"github.com/roach88/envsync/internal/ids"
	"github.com/roach88/envsync/internal/lock"
	"github.com/roach88/envsync/internal/model"
	"github.com/roach88/envsync/internal/naming"
	"github.com/roach88/envsync/internal/platform"
	"github.com/roach88/envsync/internal/platform/platformtest"
	"github.com/roach88/envsync/internal/platform/sqlite"
	"github.com/roach88/envsync/internal/registry"
	"github.com/roach88/envsync/internal/store"
	"github.com/roach88/envsync/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	events []alert.Event
}

func (s *recordingSink) Emit(_ context.Context, e alert.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Events() []alert.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alert.Event(nil), s.events...)
}

type harness struct {
	sqlite   *sqlite.Platform
	faulty   *platformtest.Faulty
	store    *store.Store
	registry *registry.Registry
	locker   *lock.Local
	alerts   *recordingSink
	clock    *testutil.FakeClock
	machine  *Machine
}

// newHarness seeds prod with sourceTables and dev with targetTables.
func newHarness(t *testing.T, sourceTables, targetTables int, opts ...Option) *harness {
	t.Helper()
	p := platformtest.NewSQLite(t)
	platformtest.CreateEnv(t, p, "prod", platformtest.Tables("src", sourceTables)...)
	platformtest.CreateEnv(t, p, "dev", platformtest.Tables("dev", targetTables)...)

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "envsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		sqlite: p,
		faulty: platformtest.Wrap(p),
		store:  st,
		locker: lock.NewLocal(),
		alerts: &recordingSink{},
		clock:  testutil.NewFakeClock(t0, time.Second),
	}
	h.registry = registry.New(st, registry.WithNow(h.clock.Now), registry.WithIDGenerator(ids.NewSequence("env")))

	all := append([]Option{
		WithThreshold(12),
		WithRecorder(h.registry),
		WithHistory(st),
		WithAlerts(h.alerts),
		WithNow(h.clock.Now),
		WithIDGenerator(ids.NewSequence("run")),
	}, opts...)
	h.machine = New(h.faulty, naming.MustScheme(naming.DefaultTemplate), h.locker, all...)
	return h
}

func (h *harness) relations(t *testing.T, env string) []string {
	t.Helper()
	rels, err := h.sqlite.ListRelations(context.Background(), env)
	require.NoError(t, err)
	return rels
}

func states(run *model.RefreshRun) []model.RefreshState {
	out := make([]model.RefreshState, len(run.Transitions))
	for i, tr := range run.Transitions {
		out[i] = tr.State
	}
	return out
}

func TestRefresh_Success(t *testing.T) {
	h := newHarness(t, 15, 15)
	ctx := context.Background()
	before := h.relations(t, "dev")

	run, err := h.machine.Refresh(ctx, "prod", "dev")
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeSuccess, run.Outcome)
	assert.Equal(t, model.StateValidated, run.State)
	assert.Equal(t, []model.RefreshState{
		model.StateStart, model.StateBackupCreated, model.StateTargetDropped,
		model.StateTargetCloned, model.StateValidated,
	}, states(run))
	assert.Equal(t, model.Validation{Checked: true, RelationCount: 15, Threshold: 12, Passed: true}, run.Validation)
	assert.Equal(t, "dev_BACKUP_2026_03_01_06_00_01", run.Backup)
	assert.Empty(t, run.Error)

	// Target is now the source; the backup holds the old target.
	assert.Equal(t, h.relations(t, "prod"), h.relations(t, "dev"))
	assert.Equal(t, before, h.relations(t, run.Backup))
	assert.GreaterOrEqual(t, len(h.relations(t, "dev")), h.machine.Threshold())

	assert.Empty(t, h.alerts.Events())
	assert.False(t, h.locker.Held("dev"))
}

func TestRefresh_RecordsHistoryAndRegistry(t *testing.T) {
	h := newHarness(t, 15, 15)
	ctx := context.Background()

	run, err := h.machine.Refresh(ctx, "prod", "dev")
	require.NoError(t, err)

	runs, err := h.store.ListRefreshRuns(ctx, "dev", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, model.OutcomeSuccess, runs[0].Outcome)

	target, err := h.registry.Active(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, "prod", target.Parent)
	assert.Equal(t, model.RoleTarget, target.Role)

	backups, err := h.registry.ListBackups(ctx, "dev")
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, run.Backup, backups[0].Name)
	assert.Equal(t, "dev", backups[0].Parent)
}

func TestRefresh_CloneFailureRollsBack(t *testing.T) {
	h := newHarness(t, 15, 14)
	ctx := context.Background()
	before := h.relations(t, "dev")

	h.faulty.Inject(platformtest.Fault{Op: platformtest.OpClone, Src: "prod", Env: "dev", Err: errors.New("warehouse unavailable")})

	run, err := h.machine.Refresh(ctx, "prod", "dev")
	require.Error(t, err)
	assert.True(t, failure.IsRollbackTrigger(err))
	assert.False(t, failure.IsFatal(err))

	assert.Equal(t, model.OutcomeRolledBack, run.Outcome)
	assert.Equal(t, []model.RefreshState{
		model.StateStart, model.StateBackupCreated, model.StateTargetDropped,
		model.StateCloneFailed, model.StateRolledBack,
	}, states(run))
	assert.Contains(t, run.Error, "CLONE_FAILED")
	assert.Contains(t, run.Error, "warehouse unavailable")

	// Target holds exactly what the backup captured.
	assert.Equal(t, before, h.relations(t, "dev"))
	assert.Equal(t, h.relations(t, run.Backup), h.relations(t, "dev"))

	target, err := h.registry.Active(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, run.Backup, target.Parent)
}

func TestRefresh_CloneTimeoutRollsBack(t *testing.T) {
	timeouts := DefaultTimeouts()
	timeouts.Clone = 20 * time.Millisecond
	h := newHarness(t, 15, 15, WithTimeouts(timeouts))
	before := h.relations(t, "dev")

	h.faulty.Inject(platformtest.Fault{Op: platformtest.OpClone, Src: "prod", Delay: 5 * time.Second})

	run, err := h.machine.Refresh(context.Background(), "prod", "dev")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, model.OutcomeRolledBack, run.Outcome)
	assert.Equal(t, before, h.relations(t, "dev"))
}

func TestRefresh_ValidationFailureRollsBack(t *testing.T) {
	h := newHarness(t, 5, 15)
	ctx := context.Background()
	before := h.relations(t, "dev")

	run, err := h.machine.Refresh(ctx, "prod", "dev")
	require.Error(t, err)
	code, ok := failure.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, failure.CodeValidationFailed, code)

	assert.Equal(t, model.OutcomeRolledBack, run.Outcome)
	assert.Equal(t, []model.RefreshState{
		model.StateStart, model.StateBackupCreated, model.StateTargetDropped,
		model.StateTargetCloned, model.StateValidationFailed, model.StateRolledBack,
	}, states(run))
	assert.Contains(t, run.Error, "validation failed: found 5 relations, fewer than threshold 12")
	assert.Equal(t, model.Validation{Checked: true, RelationCount: 5, Threshold: 12}, run.Validation)
	assert.Equal(t, before, h.relations(t, "dev"))

	events := h.alerts.Events()
	require.Len(t, events, 1)
	assert.Equal(t, alert.SeverityWarning, events[0].Severity)
	assert.Equal(t, "dev", events[0].Target)
	assert.Contains(t, events[0].Body, "relations:     5 (threshold 12)")
}

func TestRefresh_RollbackFailureIsFatal(t *testing.T) {
	h := newHarness(t, 15, 15)
	ctx := context.Background()

	// Matches both the clone from prod and the rollback clone from the backup.
	h.faulty.Inject(platformtest.Fault{Op: platformtest.OpClone, Env: "dev", Err: errors.New("quota exceeded")})

	run, err := h.machine.Refresh(ctx, "prod", "dev")
	require.Error(t, err)
	assert.True(t, failure.IsFatal(err))

	assert.Equal(t, model.OutcomeFatal, run.Outcome)
	assert.Equal(t, model.StateRollbackFailed, run.State)
	assert.Contains(t, run.Summary(), "NO LIVE TARGET EXISTS")
	assert.Contains(t, run.Summary(), run.Backup)

	exists, err := h.sqlite.EnvironmentExists(ctx, "dev")
	require.NoError(t, err)
	assert.False(t, exists)

	backupExists, err := h.sqlite.EnvironmentExists(ctx, run.Backup)
	require.NoError(t, err)
	assert.True(t, backupExists)

	events := h.alerts.Events()
	require.Len(t, events, 1)
	assert.Equal(t, alert.SeverityCritical, events[0].Severity)
	assert.Contains(t, events[0].Subject, "FATAL")
}

func TestRefresh_BackupFailureIsNonDestructive(t *testing.T) {
	h := newHarness(t, 15, 15)
	ctx := context.Background()
	before := h.relations(t, "dev")

	h.faulty.Inject(platformtest.Fault{Op: platformtest.OpClone, Src: "dev", Err: errors.New("permission denied")})

	run, err := h.machine.Refresh(ctx, "prod", "dev")
	require.Error(t, err)
	assert.True(t, failure.IsNonDestructive(err))

	assert.Equal(t, model.OutcomeFailedNoBackup, run.Outcome)
	assert.Equal(t, model.StateBackupCreateFailed, run.State)
	assert.Empty(t, run.Backup)
	assert.Empty(t, h.faulty.CallsTo(platformtest.OpDrop))
	assert.Equal(t, before, h.relations(t, "dev"))
}

func TestRefresh_DropFailureLeavesTargetIntact(t *testing.T) {
	h := newHarness(t, 15, 15)
	ctx := context.Background()
	before := h.relations(t, "dev")

	h.faulty.Inject(platformtest.Fault{Op: platformtest.OpDrop, Env: "dev", Err: errors.New("object in use")})

	run, err := h.machine.Refresh(ctx, "prod", "dev")
	require.Error(t, err)
	code, _ := failure.CodeOf(err)
	assert.Equal(t, failure.CodeDropFailed, code)

	assert.Equal(t, model.OutcomeDropFailed, run.Outcome)
	assert.Equal(t, model.StateDropFailed, run.State)
	assert.NotEmpty(t, run.Backup)
	assert.Equal(t, before, h.relations(t, "dev"))

	for _, c := range h.faulty.CallsTo(platformtest.OpClone) {
		assert.NotEqual(t, "prod", c.Src, "no clone from source after a failed drop")
	}
}

func TestRefresh_DropErrorAfterDropContinues(t *testing.T) {
	h := newHarness(t, 15, 15)

	h.faulty.Inject(platformtest.Fault{Op: platformtest.OpDrop, Env: "dev", Err: errors.New("connection reset"), Passthrough: true})

	run, err := h.machine.Refresh(context.Background(), "prod", "dev")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, run.Outcome)
	assert.Equal(t, h.relations(t, "prod"), h.relations(t, "dev"))
}

func TestRefresh_Preconditions(t *testing.T) {
	h := newHarness(t, 15, 15)
	ctx := context.Background()

	run, err := h.machine.Refresh(ctx, "dev", "dev")
	assert.Nil(t, run)
	assert.ErrorIs(t, err, ErrSameEnvironment)

	run, err = h.machine.Refresh(ctx, "missing", "dev")
	assert.Nil(t, run)
	assert.ErrorIs(t, err, platform.ErrNotFound)

	run, err = h.machine.Refresh(ctx, "prod", "missing")
	assert.Nil(t, run)
	assert.ErrorIs(t, err, platform.ErrNotFound)

	unlock, err := h.locker.TryLock(ctx, "dev")
	require.NoError(t, err)
	run, err = h.machine.Refresh(ctx, "prod", "dev")
	unlock()
	assert.Nil(t, run)
	assert.ErrorIs(t, err, lock.ErrLocked)

	runs, err := h.store.ListRefreshRuns(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Empty(t, h.faulty.CallsTo(platformtest.OpClone))
}

func TestRefresh_SameSecondBackupsGetSequence(t *testing.T) {
	h := newHarness(t, 15, 15)
	h.clock = testutil.NewFakeClock(t0, 0)
	h.machine.now = h.clock.Now
	ctx := context.Background()

	first, err := h.machine.Refresh(ctx, "prod", "dev")
	require.NoError(t, err)
	second, err := h.machine.Refresh(ctx, "prod", "dev")
	require.NoError(t, err)

	assert.Equal(t, "dev_BACKUP_2026_03_01_06_00_00", first.Backup)
	assert.Equal(t, "dev_BACKUP_2026_03_01_06_00_00_001", second.Backup)
}

// cancelOnDrop cancels the caller's context as soon as the drop begins.
type cancelOnDrop struct {
	platform.Platform
	cancel context.CancelFunc
}

func (c cancelOnDrop) DropEnvironment(ctx context.Context, name string) error {
	c.cancel()
	return c.Platform.DropEnvironment(ctx, name)
}

func TestRefresh_CancelAfterDropDoesNotStrandTarget(t *testing.T) {
	h := newHarness(t, 15, 15)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := New(cancelOnDrop{Platform: h.sqlite, cancel: cancel}, naming.MustScheme(naming.DefaultTemplate), lock.NewLocal(),
		WithThreshold(12), WithNow(h.clock.Now))

	run, err := m.Refresh(ctx, "prod", "dev")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, run.Outcome)
	assert.Error(t, ctx.Err())
	assert.Equal(t, h.relations(t, "prod"), h.relations(t, "dev"))
}

func TestRefresh_ParallelTargetsAreIndependent(t *testing.T) {
	h := newHarness(t, 15, 15)
	platformtest.CreateEnv(t, h.sqlite, "qa", platformtest.Tables("qa", 15)...)
	ctx := context.Background()

	var wg sync.WaitGroup
	outcomes := make([]model.Outcome, 2)
	for i, target := range []string{"dev", "qa"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := h.machine.Refresh(ctx, "prod", target)
			if err == nil {
				outcomes[i] = run.Outcome
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, []model.Outcome{model.OutcomeSuccess, model.OutcomeSuccess}, outcomes)
}

func TestRestore_RecreatesTargetAfterFatal(t *testing.T) {
	h := newHarness(t, 15, 15)
	ctx := context.Background()
	before := h.relations(t, "dev")

	h.faulty.Inject(platformtest.Fault{Op: platformtest.OpClone, Env: "dev", Err: errors.New("quota exceeded"), Times: 2})
	run, err := h.machine.Refresh(ctx, "prod", "dev")
	require.True(t, failure.IsFatal(err))

	require.NoError(t, h.machine.Restore(ctx, "dev", run.Backup))
	assert.Equal(t, before, h.relations(t, "dev"))

	target, err := h.registry.Active(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, run.Backup, target.Parent)
}

func TestRestore_RejectsForeignBackup(t *testing.T) {
	h := newHarness(t, 15, 15)
	ctx := context.Background()

	err := h.machine.Restore(ctx, "dev", "prod")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not a backup of dev")

	err = h.machine.Restore(ctx, "dev", "dev_BACKUP_2020_01_01_00_00_00")
	assert.ErrorIs(t, err, platform.ErrNotFound)
}
