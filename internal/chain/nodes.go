package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/envsync/internal/discovery"
	"github.com/roach88/envsync/internal/failure"
	"github.com/roach88/envsync/internal/masking"
	"github.com/roach88/envsync/internal/model"
	"github.com/roach88/envsync/internal/refresh"
	"github.com/roach88/envsync/internal/retention"
)

// Names of the standard chain's nodes.
const (
	NodeRefresh = "refresh"
	NodeMask    = "mask"
	NodeRetain  = "retain"
)

// RefreshNode replaces the target with a fresh clone of the source.
type RefreshNode struct {
	BaseNode
	Machine *refresh.Machine
	Source  string
	Target  string
}

func (n *RefreshNode) Run(ctx context.Context, run *model.TaskChainRun) (string, error) {
	result, err := n.Machine.Refresh(ctx, n.Source, n.Target)
	if result == nil {
		return "", err
	}
	run.Refresh = result
	reason := string(result.Outcome)
	if result.Validation.Checked {
		reason = fmt.Sprintf("%s, %d relations (threshold %d)", reason,
			result.Validation.RelationCount, result.Validation.Threshold)
	}
	if result.Outcome != model.OutcomeSuccess {
		if err == nil {
			err = errors.New(result.Error)
		}
		return reason, err
	}
	return reason, nil
}

// MaskNode discovers sensitive columns in the target and masks them.
type MaskNode struct {
	BaseNode
	Discoverer *discovery.Discoverer
	Engine     *masking.Engine
	Target     string
	DryRun     bool
}

func (n *MaskNode) Run(ctx context.Context, run *model.TaskChainRun) (string, error) {
	cols, err := discovery.Collect(n.Discoverer.Discover(ctx, n.Target))
	if err != nil {
		return "", err
	}
	summary, err := n.Engine.Mask(ctx, n.Target, cols, n.DryRun)
	run.Masking = &summary
	reason := fmt.Sprintf("%d columns, %d rows %s", summary.ColumnsProcessed, summary.RowsAffected, summary.Mode)
	if failed := len(summary.Failures()); failed > 0 {
		reason = fmt.Sprintf("%d of %d columns failed", failed, summary.ColumnsProcessed)
	}
	return reason, err
}

// RetainNode deletes all but the newest backups of the target. The backup made
// by this cycle's refresh is always exempt.
type RetainNode struct {
	BaseNode
	Manager *retention.Manager
	Target  string
	Keep    int
	Logger  *slog.Logger
}

// Run prunes backups. Retention is best effort: a RETENTION_FAILED pass is
// recorded in the reason and the stage still succeeds. Lock contention and
// invalid arguments remain failures.
func (n *RetainNode) Run(ctx context.Context, run *model.TaskChainRun) (string, error) {
	var exempt []string
	if run.Refresh != nil && run.Refresh.Backup != "" {
		exempt = append(exempt, run.Refresh.Backup)
	}
	res, err := n.Manager.Retain(ctx, n.Target, n.Keep, exempt...)
	if err != nil {
		if code, ok := failure.CodeOf(err); !ok || code != failure.CodeRetentionFailed {
			return "", err
		}
		summary := res.Summary()
		summary.Failures = append(summary.Failures, err.Error())
		run.Retention = summary
		n.logger().Warn("retention skipped", "event", "retention_failed", "target", n.Target, "error", err)
		return "retention skipped: " + err.Error(), nil
	}
	run.Retention = res.Summary()
	reason := fmt.Sprintf("kept %d, deleted %d", len(res.Kept), len(res.Deleted))
	if len(res.Failures) > 0 {
		reason += fmt.Sprintf(", %d deletions failed", len(res.Failures))
	}
	return reason, nil
}

func (n *RetainNode) logger() *slog.Logger {
	if n.Logger == nil {
		return slog.Default()
	}
	return n.Logger
}

// Standard describes the refresh, mask, retain chain for one target.
type Standard struct {
	Source     string
	Target     string
	Refresh    *refresh.Machine
	Discoverer *discovery.Discoverer
	Masking    *masking.Engine
	Retention  *retention.Manager
	Keep       int
	DryRun     bool
	Logger     *slog.Logger
}

// Graph builds the three-node chain.
func (s Standard) Graph() (*Graph, error) {
	return NewGraph(
		&RefreshNode{
			BaseNode: BaseNode{NodeName: NodeRefresh},
			Machine:  s.Refresh,
			Source:   s.Source,
			Target:   s.Target,
		},
		&MaskNode{
			BaseNode:   BaseNode{NodeName: NodeMask, NodeDependencies: []string{NodeRefresh}},
			Discoverer: s.Discoverer,
			Engine:     s.Masking,
			Target:     s.Target,
			DryRun:     s.DryRun,
		},
		&RetainNode{
			BaseNode: BaseNode{NodeName: NodeRetain, NodeDependencies: []string{NodeMask}},
			Manager:  s.Retention,
			Target:   s.Target,
			Keep:     s.Keep,
			Logger:   s.Logger,
		},
	)
}
