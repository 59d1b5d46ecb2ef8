package retention

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/envsync/internal/failure"
	"github.com/roach88/envsync/internal/lock"
	"github.com/roach88/envsync/internal/model"
	"github.com/roach88/envsync/internal/naming"
	"github.com/roach88/envsync/internal/platform/platformtest"
	"github.com/roach88/envsync/internal/platform/sqlite"
	"github.com/roach88/envsync/internal/refresh"
	"github.com/roach88/envsync/internal/registry"
	"github.com/roach88/envsync/internal/store"
)

var (
	t0     = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	scheme = naming.MustScheme(naming.DefaultTemplate)
)

type deletedNames struct{ names []string }

func (d *deletedNames) MarkDeleted(_ context.Context, name string) error {
	d.names = append(d.names, name)
	return nil
}

// seedBackups creates n backups of target, one hour apart, oldest first.
func seedBackups(t *testing.T, p *sqlite.Platform, target string, n int) []string {
	t.Helper()
	names := make([]string, n)
	for i := range names {
		names[i] = scheme.Encode(target, t0.Add(time.Duration(i)*time.Hour), 0)
		platformtest.CreateEnv(t, p, names[i], platformtest.Tables("b", 1)...)
	}
	return names
}

func exists(t *testing.T, p *sqlite.Platform, name string) bool {
	t.Helper()
	ok, err := p.EnvironmentExists(context.Background(), name)
	require.NoError(t, err)
	return ok
}

func names(bs []model.Backup) []string {
	return backupNames(bs)
}

func TestRetain_KeepsNewest(t *testing.T) {
	p := platformtest.NewSQLite(t)
	backups := seedBackups(t, p, "dev", 5)
	platformtest.CreateEnv(t, p, "dev_BACKUP_notes", platformtest.Tables("n", 1)...)
	platformtest.CreateEnv(t, p, "devx", platformtest.Tables("n", 1)...)
	rec := &deletedNames{}

	res, err := New(p, scheme, WithRecorder(rec)).Retain(context.Background(), "dev", 3)
	require.NoError(t, err)

	assert.Equal(t, []string{backups[4], backups[3], backups[2]}, names(res.Kept))
	assert.Equal(t, []string{backups[1], backups[0]}, names(res.Deleted))
	assert.Empty(t, res.Failures)
	assert.Equal(t, []string{backups[1], backups[0]}, rec.names)

	assert.False(t, exists(t, p, backups[0]))
	assert.False(t, exists(t, p, backups[1]))
	assert.True(t, exists(t, p, backups[2]))
	assert.True(t, exists(t, p, "dev_BACKUP_notes"), "names the scheme does not produce are ignored")
	assert.True(t, exists(t, p, "devx"))
}

func TestRetain_KeepsMinOfKeepAndTotal(t *testing.T) {
	tests := []struct {
		total, keep, remaining int
	}{
		{0, 3, 0},
		{2, 3, 2},
		{3, 3, 3},
		{7, 3, 3},
		{4, 0, 0},
	}
	for _, tt := range tests {
		p := platformtest.NewSQLite(t)
		seedBackups(t, p, "dev", tt.total)

		m := New(p, scheme)
		_, err := m.Retain(context.Background(), "dev", tt.keep)
		require.NoError(t, err)

		left, err := m.Backups(context.Background(), "dev")
		require.NoError(t, err)
		assert.Len(t, left, tt.remaining, "total=%d keep=%d", tt.total, tt.keep)
	}
}

func TestRetain_ExemptIsNeverDeleted(t *testing.T) {
	p := platformtest.NewSQLite(t)
	backups := seedBackups(t, p, "dev", 3)

	res, err := New(p, scheme).Retain(context.Background(), "dev", 0, backups[1])
	require.NoError(t, err)

	assert.Equal(t, []string{backups[1]}, names(res.Kept))
	assert.Equal(t, []string{backups[2], backups[0]}, names(res.Deleted))
}

func TestRetain_SequenceBreaksTies(t *testing.T) {
	p := platformtest.NewSQLite(t)
	for seq := range 3 {
		platformtest.CreateEnv(t, p, scheme.Encode("dev", t0, seq), platformtest.Tables("b", 1)...)
	}

	res, err := New(p, scheme).Retain(context.Background(), "dev", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev_BACKUP_2026_03_01_00_00_00_002"}, names(res.Kept))
	assert.Len(t, res.Deleted, 2)
}

func TestRetain_DeletionIsBestEffort(t *testing.T) {
	p := platformtest.NewSQLite(t)
	backups := seedBackups(t, p, "dev", 5)
	faulty := platformtest.Wrap(p)
	faulty.Inject(platformtest.Fault{Op: platformtest.OpDrop, Env: backups[1], Err: errors.New("database is locked")})

	res, err := New(faulty, scheme).Retain(context.Background(), "dev", 2)
	require.NoError(t, err)

	assert.Equal(t, []string{backups[2], backups[0]}, names(res.Deleted))
	require.Len(t, res.Failures, 1)
	assert.Equal(t, backups[1], res.Failures[0].Backup)
	assert.True(t, exists(t, p, backups[1]))
	assert.False(t, exists(t, p, backups[0]))

	summary := res.Summary()
	assert.Equal(t, []string{backups[1] + ": database is locked"}, summary.Failures)
}

func TestRetain_ListFailure(t *testing.T) {
	p := platformtest.NewSQLite(t)
	faulty := platformtest.Wrap(p)
	faulty.Inject(platformtest.Fault{Op: platformtest.OpList, Err: errors.New("catalog offline")})

	_, err := New(faulty, scheme).Retain(context.Background(), "dev", 3)
	code, ok := failure.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, failure.CodeRetentionFailed, code)
}

func TestRetain_RejectsNegativeKeepAndHeldLock(t *testing.T) {
	p := platformtest.NewSQLite(t)
	backups := seedBackups(t, p, "dev", 2)
	locker := lock.NewLocal()
	m := New(p, scheme, WithLocker(locker))

	_, err := m.Retain(context.Background(), "dev", -1)
	assert.Error(t, err)

	unlock, err := locker.TryLock(context.Background(), "dev")
	require.NoError(t, err)
	defer unlock()

	_, err = m.Retain(context.Background(), "dev", 0)
	assert.ErrorIs(t, err, lock.ErrLocked)
	assert.True(t, exists(t, p, backups[0]))
}

// Source and target hold 15 tables, the threshold is 12, and the target has
// two earlier backups. After a successful refresh, retention with keep=3
// leaves all three backups in place.
func TestRetain_AfterRefreshScenario(t *testing.T) {
	p := platformtest.NewSQLite(t)
	ctx := context.Background()
	platformtest.CreateEnv(t, p, "prod", platformtest.Tables("src", 15)...)
	platformtest.CreateEnv(t, p, "dev", platformtest.Tables("dev", 15)...)
	prior := seedBackups(t, p, "dev", 2)

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "envsync.db"))
	require.NoError(t, err)
	defer st.Close()
	reg := registry.New(st)
	locker := lock.NewLocal()

	before, err := New(p, scheme).Backups(ctx, "dev")
	require.NoError(t, err)
	require.Len(t, before, 2)

	machine := refresh.New(p, scheme, locker, refresh.WithThreshold(12), refresh.WithRecorder(reg),
		refresh.WithNow(func() time.Time { return t0.Add(24 * time.Hour) }))
	run, err := machine.Refresh(ctx, "prod", "dev")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeSuccess, run.Outcome)

	res, err := New(p, scheme, WithLocker(locker), WithRecorder(reg)).Retain(ctx, "dev", DefaultKeep, run.Backup)
	require.NoError(t, err)

	assert.Equal(t, []string{run.Backup, prior[1], prior[0]}, names(res.Kept))
	assert.Empty(t, res.Deleted)
}

func TestResult_String(t *testing.T) {
	res := Result{
		Target: "dev",
		Keep:   2,
		Kept: []model.Backup{
			{Name: "dev_BACKUP_2026_03_03_00_00_00"},
			{Name: "dev_BACKUP_2026_03_02_00_00_00"},
		},
		Deleted: []model.Backup{{Name: "dev_BACKUP_2026_03_01_00_00_00"}},
		Failures: []DeleteFailure{{
			Backup: "dev_BACKUP_2026_02_28_00_00_00",
			Error:  "drop dev_BACKUP_2026_02_28_00_00_00: database is locked",
		}},
	}

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "result", []byte(res.String()))
}
