package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/envsync/internal/config"
	"github.com/roach88/envsync/internal/model"
)

// NewEnvsCommand creates the envs command.
func NewEnvsCommand(rootOpts *RootOptions) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "envs",
		Short: "List registered environments",
		Long: `Reconcile the registry with the platform, then list every live
environment incarnation with its role and lineage.

With --name, list every incarnation of one environment, including retired ones.

Example:
  envsync envs
  envsync envs --name dev`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			out := rootOpts.formatter(cmd)
			return rootOpts.withApp(ctx, config.Overrides{}, func(a *app) error {
				a.sync(ctx)
				var (
					envs []model.Environment
					err  error
				)
				if name != "" {
					envs, err = a.registry.History(ctx, name)
				} else {
					envs, err = a.registry.List(ctx)
				}
				if err != nil {
					return WrapExitError(ExitFailure, "list environments", err)
				}
				return out.Success(envList(envs))
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "show every incarnation of one environment")

	return cmd
}

type envList []model.Environment

func (l envList) String() string {
	if len(l) == 0 {
		return "no environments registered"
	}
	var b strings.Builder
	for _, env := range l {
		fmt.Fprintf(&b, "%s\n", env)
	}
	return b.String()
}

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Chain bool
	Limit int
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded refresh or chain runs",
		Long: `Print recorded runs, newest first. Runs are immutable once written.

Example:
  envsync history --target dev --limit 5
  envsync history --chain`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Chain, "chain", false, "show chain cycles instead of refresh runs")
	cmd.Flags().IntVar(&opts.Limit, "limit", 10, "maximum number of runs")

	return cmd
}

func runHistory(cmd *cobra.Command, opts *HistoryOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := opts.formatter(cmd)

	return opts.withApp(ctx, config.Overrides{}, func(a *app) error {
		if opts.Chain {
			runs, err := a.store.ListChainRuns(ctx, opts.Limit)
			if err != nil {
				return WrapExitError(ExitFailure, "list chain runs", err)
			}
			return out.Success(chainHistory(runs))
		}
		runs, err := a.store.ListRefreshRuns(ctx, a.cfg.Target, opts.Limit)
		if err != nil {
			return WrapExitError(ExitFailure, "list refresh runs", err)
		}
		return out.Success(refreshHistory(runs))
	})
}

type refreshHistory []*model.RefreshRun

func (h refreshHistory) String() string {
	if len(h) == 0 {
		return "no refresh runs recorded"
	}
	var b strings.Builder
	for _, r := range h {
		fmt.Fprintf(&b, "%s  %-16s %s <- %s  %s\n",
			r.StartedAt.UTC().Format("2006-01-02 15:04:05"), r.Outcome, r.Target, r.Source, r.ID)
	}
	return b.String()
}

type chainHistory []*model.TaskChainRun

func (h chainHistory) String() string {
	if len(h) == 0 {
		return "no chain runs recorded"
	}
	var b strings.Builder
	for _, c := range h {
		status := "completed"
		if !c.Succeeded() {
			status = "halted: " + c.StopReason
		}
		fmt.Fprintf(&b, "%s  %-9s %s  %s\n",
			c.StartedAt.UTC().Format("2006-01-02 15:04:05"), c.Trigger, c.ID, status)
	}
	return b.String()
}
