package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newGolden(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func fatalRun() *RefreshRun {
	return &RefreshRun{
		ID:      "run-1",
		Source:  "prod",
		Target:  "dev",
		Backup:  "dev_BACKUP_2026_01_02_03_04_05",
		State:   StateRollbackFailed,
		Outcome: OutcomeFatal,
		Error:   "ROLLBACK_FAILED: rollback clone of dev: disk full",
		Transitions: []Transition{
			{State: StateStart, At: t0},
			{State: StateBackupCreated, At: t0.Add(10 * time.Second)},
			{State: StateTargetDropped, At: t0.Add(20 * time.Second)},
			{State: StateCloneFailed, At: t0.Add(60 * time.Second)},
			{State: StateRollbackFailed, At: t0.Add(90 * time.Second)},
		},
		StartedAt:  t0,
		FinishedAt: t0.Add(90 * time.Second),
	}
}

func TestRefreshRun_SummaryFatal(t *testing.T) {
	g := newGolden(t)
	g.Assert(t, "refresh_fatal_summary", []byte(fatalRun().Summary()))
}

func TestRefreshRun_SummarySuccess(t *testing.T) {
	run := &RefreshRun{
		ID:         "run-2",
		Source:     "prod",
		Target:     "dev",
		Backup:     "dev_BACKUP_2026_01_02_03_04_05",
		State:      StateValidated,
		Outcome:    OutcomeSuccess,
		Validation: Validation{Checked: true, RelationCount: 15, Threshold: 12, Passed: true},
		Transitions: []Transition{
			{State: StateStart, At: t0},
			{State: StateBackupCreated, At: t0},
			{State: StateTargetDropped, At: t0},
			{State: StateTargetCloned, At: t0},
			{State: StateValidated, At: t0},
		},
		StartedAt:  t0,
		FinishedAt: t0.Add(42 * time.Second),
	}

	g := newGolden(t)
	g.Assert(t, "refresh_success_summary", []byte(run.Summary()))
	assert.Empty(t, run.Remediation())
}

func TestRefreshRun_PhaseReachedIgnoresFailureStates(t *testing.T) {
	run := fatalRun()
	assert.Equal(t, StateTargetDropped, run.PhaseReached())

	empty := &RefreshRun{}
	assert.Equal(t, StateStart, empty.PhaseReached())
	assert.Zero(t, empty.Duration())
}

func TestRefreshState_Terminal(t *testing.T) {
	terminal := []RefreshState{StateValidated, StateBackupCreateFailed, StateDropFailed, StateRolledBack, StateRollbackFailed}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), s)
	}
	intermediate := []RefreshState{StateStart, StateBackupCreated, StateTargetDropped, StateTargetCloned, StateCloneFailed, StateValidationFailed}
	for _, s := range intermediate {
		assert.False(t, s.Terminal(), s)
	}
}

func TestRefreshRun_RemediationByOutcome(t *testing.T) {
	run := &RefreshRun{Target: "dev", Backup: "dev_BACKUP_x"}

	run.Outcome = OutcomeDropFailed
	assert.Contains(t, run.Remediation(), "target dev is intact")

	run.Outcome = OutcomeFailedNoBackup
	assert.Contains(t, run.Remediation(), "was not modified")

	run.Outcome = OutcomeRolledBack
	assert.Empty(t, run.Remediation())
}

func TestRefreshRun_JSONUsesSnakeCase(t *testing.T) {
	data, err := json.Marshal(fatalRun())
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Contains(t, m, "started_at")
	assert.Contains(t, m, "finished_at")
	assert.Equal(t, "FATAL", m["outcome"])
}

func TestRunSummary_String(t *testing.T) {
	s := RunSummary{
		Target:           "dev",
		Mode:             ModeApplied,
		ColumnsProcessed: 2,
		RowsAffected:     40,
		Results: []MaskingResult{
			{Column: ColumnClassification{Schema: "public", Table: "users", Column: "email"}, RowsMatched: 40, Mode: ModeApplied},
			{Column: ColumnClassification{Schema: "public", Table: "orders", Column: "contact_note"}, Mode: ModeApplied, Error: "count rows: relation missing"},
		},
	}

	g := newGolden(t)
	g.Assert(t, "mask_summary", []byte(s.String()))

	failures := s.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "contact_note", failures[0].Column.Column)
}

func TestColumnClassification_QualifiedName(t *testing.T) {
	assert.Equal(t, "main.users.email", ColumnClassification{Schema: "main", Table: "users", Column: "email"}.QualifiedName())
	assert.Equal(t, "users.email", ColumnClassification{Table: "users", Column: "email"}.QualifiedName())
}

func TestTaskChainRun_String(t *testing.T) {
	run := &TaskChainRun{
		ID:      "c-1",
		Trigger: TriggerManual,
		Stages: []StageRecord{
			{Node: "refresh", State: NodeSucceeded},
			{Node: "mask", State: NodeFailed, Reason: "1 of 2 columns failed"},
			{Node: "retain", State: NodeSkipped, Reason: "upstream mask FAILED"},
		},
		StopReason: "mask failed",
	}

	g := newGolden(t)
	g.Assert(t, "chain_halted", []byte(run.String()))
	assert.False(t, run.Succeeded())

	stage, ok := run.Stage("retain")
	require.True(t, ok)
	assert.Equal(t, NodeSkipped, stage.State)

	_, ok = run.Stage("missing")
	assert.False(t, ok)
}

func TestTaskChainRun_SucceededRequiresStages(t *testing.T) {
	assert.False(t, (&TaskChainRun{}).Succeeded())

	run := &TaskChainRun{Stages: []StageRecord{
		{Node: "refresh", State: NodeSucceeded},
		{Node: "mask", State: NodeSucceeded},
		{Node: "retain", State: NodeSucceeded},
	}}
	assert.True(t, run.Succeeded())
}

func TestBackup_Newer(t *testing.T) {
	older := Backup{Name: "dev_BACKUP_a", CreatedAt: t0}
	newer := Backup{Name: "dev_BACKUP_b", CreatedAt: t0.Add(time.Second)}
	assert.True(t, newer.Newer(older))
	assert.False(t, older.Newer(newer))

	sameSecond := Backup{Name: "dev_BACKUP_a_001", CreatedAt: t0, Seq: 1}
	assert.True(t, sameSecond.Newer(older))
}

func TestEnvironment_String(t *testing.T) {
	env := Environment{Name: "dev", Role: RoleTarget, Status: StatusActive, Parent: "prod"}
	assert.Equal(t, "dev (TARGET, ACTIVE, from prod)", env.String())

	src := Environment{Name: "prod", Role: RoleSource, Status: StatusActive}
	assert.Equal(t, "prod (SOURCE, ACTIVE)", src.String())
}
