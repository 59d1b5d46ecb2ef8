// Package masking rewrites email-shaped values in classified columns so a
// refreshed target never keeps real addresses.
//
// A value is masked by keeping a short visible prefix of its local part and
// replacing the rest with a token that cannot occur in an email local part.
// The masked value therefore fails the email predicate, which makes masking
// idempotent: a second pass matches nothing.
package masking

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/envsync/internal/failure"
	"github.com/roach88/envsync/internal/lock"
	"github.com/roach88/envsync/internal/metrics"
	"github.com/roach88/envsync/internal/model"
	"github.com/roach88/envsync/internal/platform"
)

// DefaultRewrite keeps two characters and masks the rest of the local part.
func DefaultRewrite() platform.Rewrite {
	return platform.Rewrite{Token: "*****", VisiblePrefix: 2, Policy: platform.ShortFull}
}

// Engine masks columns on one platform.
//
// Thread-safety: Engine is safe for concurrent use.
type Engine struct {
	platform platform.Platform
	rewrite  platform.Rewrite
	locker   lock.Locker
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocker makes Mask hold the target's lock while it runs.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithMetrics records rows masked and column failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine. The rewrite must keep masked values outside the
// email predicate.
func New(p platform.Platform, rw platform.Rewrite, opts ...Option) (*Engine, error) {
	if err := rw.Validate(); err != nil {
		return nil, fmt.Errorf("new masking engine: %w", err)
	}
	e := &Engine{platform: p, rewrite: rw, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Rewrite returns the configured rewrite.
func (e *Engine) Rewrite() platform.Rewrite {
	return e.rewrite
}

// Mask processes every classified column of target. With dryRun it only
// counts matching rows.
//
// A failing column is recorded in the summary and the remaining columns still
// run. When any column failed the summary is returned together with a
// MASKING_FAILED error.
func (e *Engine) Mask(ctx context.Context, target string, cols []model.ColumnClassification, dryRun bool) (model.RunSummary, error) {
	mode := model.ModeApplied
	if dryRun {
		mode = model.ModeDryRun
	}
	summary := model.RunSummary{Target: target, Mode: mode, Results: []model.MaskingResult{}}

	if e.locker != nil {
		unlock, err := e.locker.TryLock(ctx, target)
		if err != nil {
			return summary, fmt.Errorf("mask %s: %w", target, err)
		}
		defer unlock()
	}

	e.logger.Info("masking started", "event", "mask_started", "target", target, "mode", mode, "columns", len(cols))

	var failed []string
	for _, col := range cols {
		res := model.MaskingResult{Column: col, Mode: mode}
		rows, err := e.maskColumn(ctx, target, col, dryRun)
		if err != nil {
			res.Error = err.Error()
			failed = append(failed, col.QualifiedName())
			e.metrics.MaskColumnFailed(target)
			e.logger.Warn("column masking failed", "event", "mask_column_failed",
				"target", target, "column", col.QualifiedName(), "error", err)
		} else {
			res.RowsMatched = rows
			summary.RowsAffected += rows
		}
		summary.ColumnsProcessed++
		summary.Results = append(summary.Results, res)
	}
	e.metrics.RowsMasked(target, string(mode), summary.RowsAffected)

	e.logger.Info("masking finished", "event", "mask_finished", "target", target, "mode", mode,
		"columns", summary.ColumnsProcessed, "rows", summary.RowsAffected, "failures", len(failed))

	if len(failed) > 0 {
		return summary, failure.New(failure.CodeMaskingFailed, "mask", target,
			fmt.Errorf("%d of %d columns failed: %s", len(failed), len(cols), strings.Join(failed, ", ")))
	}
	return summary, nil
}

// maskColumn returns rows matched (dry run) or rows rewritten.
func (e *Engine) maskColumn(ctx context.Context, target string, col model.ColumnClassification, dryRun bool) (int64, error) {
	match := platform.EmailPredicate(col.Schema, col.Table, col.Column)
	if dryRun {
		n, err := e.platform.CountRows(ctx, target, match)
		if err != nil {
			return 0, fmt.Errorf("count matches: %w", err)
		}
		return n, nil
	}

	// Rows affected is the growth of token-bearing rows. Input accepted by the
	// predicate cannot contain the token.
	masked := platform.ContainsPredicate(col.Schema, col.Table, col.Column, e.rewrite.Token)
	before, err := e.platform.CountRows(ctx, target, masked)
	if err != nil {
		return 0, fmt.Errorf("count masked rows: %w", err)
	}
	if _, err := e.platform.ExecuteUpdate(ctx, target, match, e.rewrite); err != nil {
		return 0, fmt.Errorf("update: %w", err)
	}
	after, err := e.platform.CountRows(ctx, target, masked)
	if err != nil {
		return 0, fmt.Errorf("recount masked rows: %w", err)
	}
	return after - before, nil
}
