package chain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/envsync/internal/metrics"
	"github.com/roach88/envsync/internal/model"
)

var tracer = otel.Tracer("envsync/chain")

// Executor runs one cycle of a graph.
//
// Nodes run one at a time in graph order; each stage is a blocking call to
// the data platform and the next stage waits for it.
type Executor struct {
	graph   *Graph
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger
	observe func(node string, state model.NodeState)
}

// NewExecutor creates an executor for g. A nil logger uses slog.Default().
func NewExecutor(g *Graph, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{graph: g, now: time.Now, logger: logger}
}

// Execute runs the graph into run. Nodes in skip are recorded as SKIPPED with
// the given reason instead of running. Execute fills run.Stages and, when a
// node did not succeed, run.StopReason.
func (e *Executor) Execute(ctx context.Context, run *model.TaskChainRun, skip map[string]string) {
	ctx, span := tracer.Start(ctx, "chain.Cycle",
		trace.WithAttributes(
			attribute.String("chain.run", run.ID),
			attribute.String("chain.trigger", string(run.Trigger)),
		),
	)
	defer span.End()

	states := make(map[string]model.NodeState, len(e.graph.order))
	for _, name := range e.graph.order {
		node := e.graph.nodes[name]
		stage := model.StageRecord{Node: name}

		switch {
		case skip[name] != "":
			stage.State = model.NodeSkipped
			stage.Reason = skip[name]
		case ctx.Err() != nil:
			stage.State = model.NodeSkipped
			stage.Reason = fmt.Sprintf("cycle cancelled: %v", ctx.Err())
		default:
			if blocker, state, blocked := e.blockedBy(node, states); blocked {
				stage.State = model.NodeSkipped
				stage.Reason = fmt.Sprintf("upstream %s %s", blocker, state)
			} else {
				stage = e.runNode(ctx, node, run)
			}
		}

		states[name] = stage.State
		run.Stages = append(run.Stages, stage)
		if stage.State != model.NodeSucceeded && run.StopReason == "" {
			run.StopReason = fmt.Sprintf("%s %s", name, stage.State)
			if stage.Reason != "" {
				run.StopReason += ": " + stage.Reason
			}
		}
	}

	if run.StopReason != "" {
		span.SetStatus(codes.Error, run.StopReason)
	} else {
		span.SetStatus(codes.Ok, "")
	}
}

// blockedBy returns the first dependency that did not succeed this cycle.
func (e *Executor) blockedBy(node Node, states map[string]model.NodeState) (string, model.NodeState, bool) {
	for _, dep := range node.Dependencies() {
		if st := states[dep]; st != model.NodeSucceeded {
			return dep, st, true
		}
	}
	return "", "", false
}

func (e *Executor) runNode(ctx context.Context, node Node, run *model.TaskChainRun) model.StageRecord {
	ctx, span := tracer.Start(ctx, "chain."+node.Name(),
		trace.WithAttributes(
			attribute.String("chain.node", node.Name()),
			attribute.StringSlice("chain.dependencies", node.Dependencies()),
		),
	)
	defer span.End()

	stage := model.StageRecord{Node: node.Name(), StartedAt: e.now()}
	if e.observe != nil {
		e.observe(node.Name(), model.NodeRunning)
	}
	e.logger.Info("stage started", "event", "stage_started", "run", run.ID, "node", node.Name())

	start := time.Now()
	reason, err := node.Run(ctx, run)
	stage.FinishedAt = e.now()
	stage.Reason = reason

	if err != nil {
		stage.State = model.NodeFailed
		if stage.Reason == "" {
			stage.Reason = err.Error()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("stage failed", "event", "stage_failed", "run", run.ID, "node", node.Name(), "error", err)
	} else {
		stage.State = model.NodeSucceeded
		span.SetStatus(codes.Ok, "")
		e.logger.Info("stage succeeded", "event", "stage_succeeded", "run", run.ID, "node", node.Name(), "reason", reason)
	}
	e.metrics.StageObserved(node.Name(), string(stage.State), time.Since(start))
	return stage
}
