package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/roach88/envsync/internal/model"
)

func testRefreshRun(id, target string, outcome model.Outcome) *model.RefreshRun {
	return &model.RefreshRun{
		ID:      id,
		Source:  "prod",
		Target:  target,
		Backup:  target + "_BACKUP_2026_02_01_12_00_00",
		State:   model.StateValidated,
		Outcome: outcome,
		Transitions: []model.Transition{
			{State: model.StateStart, At: created},
			{State: model.StateValidated, At: created.Add(time.Minute)},
		},
		StartedAt:  created,
		FinishedAt: created.Add(time.Minute),
	}
}

func TestWriteRefreshRun_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	run := testRefreshRun("r1", "dev", model.OutcomeSuccess)
	if err := s.WriteRefreshRun(ctx, run); err != nil {
		t.Fatalf("WriteRefreshRun() failed: %v", err)
	}

	got, err := s.GetRefreshRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRefreshRun() failed: %v", err)
	}
	if got.Outcome != model.OutcomeSuccess || got.Backup != run.Backup || len(got.Transitions) != 2 {
		t.Errorf("GetRefreshRun() = %+v", got)
	}
	if !got.FinishedAt.Equal(run.FinishedAt) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, run.FinishedAt)
	}

	_, err = s.GetRefreshRun(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRefreshRun(missing) error = %v, want ErrNotFound", err)
	}
}

func TestWriteRefreshRun_RejectsNonTerminal(t *testing.T) {
	s := createTestStore(t)

	run := testRefreshRun("r1", "dev", "")
	run.State = model.StateTargetCloned
	if err := s.WriteRefreshRun(context.Background(), run); err == nil {
		t.Error("expected error writing a run that has not terminated")
	}
}

func TestRefreshRuns_Immutable(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.WriteRefreshRun(ctx, testRefreshRun("r1", "dev", model.OutcomeSuccess)); err != nil {
		t.Fatalf("WriteRefreshRun() failed: %v", err)
	}
	if err := s.WriteRefreshRun(ctx, testRefreshRun("r1", "dev", model.OutcomeRolledBack)); err == nil {
		t.Error("expected duplicate run ID to be rejected")
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE refresh_runs SET outcome = 'FATAL'`); err == nil {
		t.Error("expected trigger to reject update")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM refresh_runs`); err == nil {
		t.Error("expected trigger to reject delete")
	}
}

func TestListRefreshRuns_NewestFirstWithFilter(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, run := range []*model.RefreshRun{
		testRefreshRun("r1", "dev", model.OutcomeSuccess),
		testRefreshRun("r2", "qa", model.OutcomeSuccess),
		testRefreshRun("r3", "dev", model.OutcomeRolledBack),
	} {
		if err := s.WriteRefreshRun(ctx, run); err != nil {
			t.Fatalf("WriteRefreshRun(%s) failed: %v", run.ID, err)
		}
	}

	all, err := s.ListRefreshRuns(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListRefreshRuns() failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "r3" || all[2].ID != "r1" {
		t.Errorf("ListRefreshRuns() order wrong: %v", ids(all))
	}

	dev, err := s.ListRefreshRuns(ctx, "dev", 1)
	if err != nil {
		t.Fatalf("ListRefreshRuns(dev) failed: %v", err)
	}
	if len(dev) != 1 || dev[0].ID != "r3" {
		t.Errorf("ListRefreshRuns(dev, 1) = %v, want [r3]", ids(dev))
	}

	empty, err := s.ListRefreshRuns(ctx, "nobody", 0)
	if err != nil {
		t.Fatalf("ListRefreshRuns(nobody) failed: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", empty)
	}
}

func TestChainRuns_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	run := &model.TaskChainRun{
		ID:      "c1",
		Trigger: model.TriggerScheduled,
		Refresh: testRefreshRun("r1", "dev", model.OutcomeSuccess),
		Stages: []model.StageRecord{
			{Node: "refresh", State: model.NodeSucceeded},
			{Node: "mask", State: model.NodeFailed, Reason: "boom"},
			{Node: "retain", State: model.NodeSkipped},
		},
		StartedAt:  created,
		StoppedAt:  created.Add(time.Minute),
		StopReason: "mask failed",
	}
	if err := s.WriteChainRun(ctx, run); err != nil {
		t.Fatalf("WriteChainRun() failed: %v", err)
	}
	second := &model.TaskChainRun{ID: "c2", Trigger: model.TriggerManual, StartedAt: created, StoppedAt: created}
	if err := s.WriteChainRun(ctx, second); err != nil {
		t.Fatalf("WriteChainRun() failed: %v", err)
	}

	got, err := s.GetChainRun(ctx, "c1")
	if err != nil {
		t.Fatalf("GetChainRun() failed: %v", err)
	}
	if got.StopReason != "mask failed" || got.Refresh == nil || got.Refresh.ID != "r1" || len(got.Stages) != 3 {
		t.Errorf("GetChainRun() = %+v", got)
	}

	list, err := s.ListChainRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListChainRuns() failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "c2" {
		t.Errorf("ListChainRuns() order wrong")
	}

	if _, err := s.GetChainRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetChainRun(missing) error = %v, want ErrNotFound", err)
	}
}

func TestWriteChainRun_RequiresStop(t *testing.T) {
	s := createTestStore(t)
	run := &model.TaskChainRun{ID: "c1", Trigger: model.TriggerManual, StartedAt: created}
	if err := s.WriteChainRun(context.Background(), run); err == nil {
		t.Error("expected error writing a running cycle")
	}
}

func ids(runs []*model.RefreshRun) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.ID
	}
	return out
}
