package model

import (
	"fmt"
	"strings"
	"time"
)

// RefreshState is a state of the refresh state machine.
type RefreshState string

const (
	StateStart              RefreshState = "START"
	StateBackupCreated      RefreshState = "BACKUP_CREATED"
	StateTargetDropped      RefreshState = "TARGET_DROPPED"
	StateTargetCloned       RefreshState = "TARGET_CLONED"
	StateValidated          RefreshState = "VALIDATED"
	StateBackupCreateFailed RefreshState = "BACKUP_CREATE_FAILED"
	StateDropFailed         RefreshState = "DROP_FAILED"
	StateCloneFailed        RefreshState = "CLONE_FAILED"
	StateValidationFailed   RefreshState = "VALIDATION_FAILED"
	StateRolledBack         RefreshState = "ROLLED_BACK"
	StateRollbackFailed     RefreshState = "ROLLBACK_FAILED"
)

// Terminal reports whether no transition leaves s.
func (s RefreshState) Terminal() bool {
	switch s {
	case StateValidated, StateBackupCreateFailed, StateDropFailed, StateRolledBack, StateRollbackFailed:
		return true
	}
	return false
}

// Outcome classifies a terminated refresh run.
type Outcome string

const (
	OutcomeSuccess        Outcome = "SUCCESS"
	OutcomeRolledBack     Outcome = "ROLLED_BACK"
	OutcomeFailedNoBackup Outcome = "FAILED_NO_BACKUP"
	OutcomeDropFailed     Outcome = "DROP_FAILED"
	// OutcomeFatal means the rollback clone failed and no live target exists.
	OutcomeFatal Outcome = "FATAL"
)

// Transition records when the machine entered a state.
type Transition struct {
	State RefreshState `json:"state"`
	At    time.Time    `json:"at"`
}

// Validation is the structural check result for a freshly cloned target.
type Validation struct {
	Checked       bool `json:"checked"`
	RelationCount int  `json:"relation_count"`
	Threshold     int  `json:"threshold"`
	Passed        bool `json:"passed"`
}

// RefreshRun is one execution of the refresh state machine.
//
// The state machine is its only writer. Once State is terminal the run is
// never mutated again.
type RefreshRun struct {
	ID          string       `json:"id"`
	Source      string       `json:"source"`
	Target      string       `json:"target"`
	Backup      string       `json:"backup,omitempty"` // Empty when the backup step failed
	State       RefreshState `json:"state"`
	Outcome     Outcome      `json:"outcome,omitempty"`
	Validation  Validation   `json:"validation"`
	Error       string       `json:"error,omitempty"`
	Transitions []Transition `json:"transitions"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
}

// PhaseReached returns the last non-failure state the run passed through.
func (r *RefreshRun) PhaseReached() RefreshState {
	reached := StateStart
	for _, t := range r.Transitions {
		switch t.State {
		case StateBackupCreated, StateTargetDropped, StateTargetCloned, StateValidated:
			reached = t.State
		}
	}
	return reached
}

// Duration is the wall time between the first and last transition.
func (r *RefreshRun) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Summary renders the human-readable terminal report for the run.
func (r *RefreshRun) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "refresh %s from %s: %s\n", r.Target, r.Source, r.Outcome)
	fmt.Fprintf(&b, "  run:           %s\n", r.ID)
	if r.Backup != "" {
		fmt.Fprintf(&b, "  backup:        %s\n", r.Backup)
	} else {
		fmt.Fprintf(&b, "  backup:        (none)\n")
	}
	fmt.Fprintf(&b, "  phase reached: %s\n", r.PhaseReached())
	fmt.Fprintf(&b, "  final state:   %s\n", r.State)
	if r.Validation.Checked {
		fmt.Fprintf(&b, "  relations:     %d (threshold %d)\n", r.Validation.RelationCount, r.Validation.Threshold)
	}
	fmt.Fprintf(&b, "  duration:      %s\n", r.Duration())
	if r.Error != "" {
		fmt.Fprintf(&b, "  error:         %s\n", r.Error)
	}
	if guidance := r.Remediation(); guidance != "" {
		fmt.Fprintf(&b, "  action:        %s\n", guidance)
	}
	return b.String()
}

// Remediation returns operator guidance for outcomes that need a human.
func (r *RefreshRun) Remediation() string {
	switch r.Outcome {
	case OutcomeFatal:
		return fmt.Sprintf("NO LIVE TARGET EXISTS. Restore %s from backup %s (envsync restore --backup %s) before the next scheduled run.",
			r.Target, r.Backup, r.Backup)
	case OutcomeDropFailed:
		return fmt.Sprintf("target %s is intact; backup %s was kept. Check platform permissions on %s.",
			r.Target, r.Backup, r.Target)
	case OutcomeFailedNoBackup:
		return fmt.Sprintf("target %s was not modified. Check that %s can be cloned.", r.Target, r.Target)
	}
	return ""
}
