package model

import (
	"fmt"
	"strings"
	"time"
)

// Trigger identifies what started a chain cycle.
type Trigger string

const (
	TriggerScheduled Trigger = "SCHEDULED"
	TriggerManual    Trigger = "MANUAL"
)

// NodeState is the lifecycle state of one task chain node.
type NodeState string

const (
	NodeSuspended NodeState = "SUSPENDED"
	NodeScheduled NodeState = "SCHEDULED"
	NodeRunning   NodeState = "RUNNING"
	NodeSucceeded NodeState = "SUCCEEDED"
	NodeFailed    NodeState = "FAILED"
	// NodeSkipped is recorded for a node that did not run in a cycle.
	NodeSkipped NodeState = "SKIPPED"
)

// StageRecord is one node's contribution to a chain cycle.
type StageRecord struct {
	Node       string    `json:"node"`
	State      NodeState `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// RetentionSummary is the persisted shape of one retention pass.
type RetentionSummary struct {
	Target   string   `json:"target"`
	Kept     []string `json:"kept"`
	Deleted  []string `json:"deleted"`
	Failures []string `json:"failures,omitempty"`
}

// TaskChainRun is one cycle of the refresh, mask, retain chain.
//
// The scheduler is its only writer; it is persisted once the cycle stops.
type TaskChainRun struct {
	ID         string            `json:"id"`
	Trigger    Trigger           `json:"trigger"`
	Refresh    *RefreshRun       `json:"refresh,omitempty"`
	Masking    *RunSummary       `json:"masking,omitempty"`
	Retention  *RetentionSummary `json:"retention,omitempty"`
	Stages     []StageRecord     `json:"stages"`
	StartedAt  time.Time         `json:"started_at"`
	StoppedAt  time.Time         `json:"stopped_at"`
	StopReason string            `json:"stop_reason,omitempty"`
}

// Succeeded reports whether every stage of the cycle succeeded.
func (c *TaskChainRun) Succeeded() bool {
	if len(c.Stages) == 0 {
		return false
	}
	for _, s := range c.Stages {
		if s.State != NodeSucceeded {
			return false
		}
	}
	return true
}

// Stage returns the record for the named node.
func (c *TaskChainRun) Stage(node string) (StageRecord, bool) {
	for _, s := range c.Stages {
		if s.Node == node {
			return s, true
		}
	}
	return StageRecord{}, false
}

func (c *TaskChainRun) String() string {
	var b strings.Builder
	status := "completed"
	if !c.Succeeded() {
		status = "halted"
	}
	fmt.Fprintf(&b, "chain %s (%s): %s\n", c.ID, c.Trigger, status)
	for _, s := range c.Stages {
		if s.Reason != "" {
			fmt.Fprintf(&b, "  %-8s %-9s %s\n", s.Node, s.State, s.Reason)
			continue
		}
		fmt.Fprintf(&b, "  %-8s %s\n", s.Node, s.State)
	}
	if c.StopReason != "" {
		fmt.Fprintf(&b, "  stopped: %s\n", c.StopReason)
	}
	return b.String()
}
