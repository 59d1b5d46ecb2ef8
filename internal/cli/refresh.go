package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/envsync/internal/config"
	"github.com/roach88/envsync/internal/model"
)

// RefreshOptions holds flags for the refresh command.
type RefreshOptions struct {
	*RootOptions
	OnlyRefresh bool
	DryRun      bool
}

// NewRefreshCommand creates the refresh command.
func NewRefreshCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RefreshOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run one refresh cycle now",
		Long: `Run the refresh, mask, retain chain once, immediately.

A manual cycle runs every node, including nodes suspended in the config.
With --only-refresh only the backup, drop, clone, validate sequence runs.

Exit codes:
  0  the cycle succeeded
  1  the cycle failed but the target is live
  3  FATAL: no live target exists; run "envsync restore"

Example:
  envsync refresh --config envsync.cue
  envsync refresh --source prod --target dev --only-refresh`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRefresh(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.OnlyRefresh, "only-refresh", false, "skip masking and retention")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "count maskable rows without rewriting them")

	return cmd
}

func runRefresh(cmd *cobra.Command, opts *RefreshOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := opts.formatter(cmd)

	var overrides config.Overrides
	if cmd.Flags().Changed("dry-run") {
		overrides.DryRun = &opts.DryRun
	}

	return opts.withApp(ctx, overrides, func(a *app) error {
		a.sync(ctx)

		if opts.OnlyRefresh {
			run, err := a.refresh.Refresh(ctx, a.cfg.Source, a.cfg.Target)
			if run == nil {
				return WrapExitError(ExitCommandError, "refresh", err)
			}
			return reportRefresh(out, run)
		}

		s, err := a.scheduler()
		if err != nil {
			return WrapExitError(ExitCommandError, "build chain", err)
		}
		run, err := s.Trigger(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "trigger chain", err)
		}
		return reportChain(out, run)
	})
}

type refreshView struct {
	*model.RefreshRun
}

func (v refreshView) String() string { return v.Summary() }

func reportRefresh(out *OutputFormatter, run *model.RefreshRun) error {
	view := refreshView{run}
	switch run.Outcome {
	case model.OutcomeSuccess:
		return out.Success(view)
	case model.OutcomeFatal:
		if err := out.Report(string(run.Outcome), view, run.Error); err != nil {
			return err
		}
		out.Fatal(run.Remediation())
		return NewExitError(ExitFatal, fmt.Sprintf("refresh of %s left no live target", run.Target))
	default:
		if err := out.Report(string(run.Outcome), view, run.Error); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("refresh of %s finished %s", run.Target, run.Outcome))
	}
}

type chainView struct {
	*model.TaskChainRun
}

func (v chainView) String() string {
	s := v.TaskChainRun.String()
	if v.Refresh != nil {
		s += v.Refresh.Summary()
	}
	if v.Masking != nil {
		s += v.Masking.String()
	}
	return s
}

func reportChain(out *OutputFormatter, run *model.TaskChainRun) error {
	view := chainView{run}
	if run.Succeeded() {
		return out.Success(view)
	}
	if err := out.Report("CHAIN_HALTED", view, run.StopReason); err != nil {
		return err
	}
	if run.Refresh != nil && run.Refresh.Outcome == model.OutcomeFatal {
		out.Fatal(run.Refresh.Remediation())
		return NewExitError(ExitFatal, fmt.Sprintf("refresh of %s left no live target", run.Refresh.Target))
	}
	return NewExitError(ExitFailure, "chain halted: "+run.StopReason)
}

// NewRestoreCommand creates the restore command.
func NewRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	var backup string

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Recreate the target from one of its backups",
		Long: `Drop the target if it exists and clone it from a named backup.

This is the recovery step after a FATAL refresh.

Example:
  envsync restore --target dev --backup dev_BACKUP_2026_03_01_06_00_00`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			out := rootOpts.formatter(cmd)
			return rootOpts.withApp(ctx, config.Overrides{}, func(a *app) error {
				if err := a.refresh.Restore(ctx, a.cfg.Target, backup); err != nil {
					return WrapExitError(ExitFailure, "restore", err)
				}
				a.sync(ctx)
				return out.Success(restoreResult{Target: a.cfg.Target, Backup: backup})
			})
		},
	}

	cmd.Flags().StringVar(&backup, "backup", "", "backup environment to restore from (required)")
	_ = cmd.MarkFlagRequired("backup")

	return cmd
}

type restoreResult struct {
	Target string `json:"target"`
	Backup string `json:"backup"`
}

func (r restoreResult) String() string {
	return fmt.Sprintf("restored %s from %s", r.Target, r.Backup)
}
