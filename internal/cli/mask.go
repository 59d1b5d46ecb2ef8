package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/envsync/internal/config"
	"github.com/roach88/envsync/internal/discovery"
	"github.com/roach88/envsync/internal/failure"
	"github.com/roach88/envsync/internal/model"
)

// MaskOptions holds flags for the mask command.
type MaskOptions struct {
	*RootOptions
	DryRun bool
}

// NewMaskCommand creates the mask command.
func NewMaskCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MaskOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mask",
		Short: "Mask email-shaped values in the target",
		Long: `Discover contact columns in the target and rewrite every email-shaped value
in them. Masking is idempotent: a second pass changes nothing.

With --dry-run the matching rows are counted and nothing is written.

Example:
  envsync mask --target dev --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMask(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "count matching rows without rewriting them")

	return cmd
}

func runMask(cmd *cobra.Command, opts *MaskOptions) error {
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
		cols, err := discovery.Collect(a.discovery.Discover(ctx, a.cfg.Target))
		if err != nil {
			return WrapExitError(ExitFailure, "discover columns", err)
		}
		out.VerboseLog("discovered %d columns in %s", len(cols), a.cfg.Target)

		summary, err := a.masking.Mask(ctx, a.cfg.Target, cols, a.cfg.DryRun)
		if err != nil {
			if code, ok := failure.CodeOf(err); !ok || code != failure.CodeMaskingFailed {
				return WrapExitError(ExitFailure, "mask", err)
			}
			if reportErr := out.Report(string(failure.CodeMaskingFailed), summary, err.Error()); reportErr != nil {
				return reportErr
			}
			return WrapExitError(ExitFailure, "mask", err)
		}
		return out.Success(summary)
	})
}

// NewDiscoverCommand creates the discover command.
func NewDiscoverCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List the columns masking would process",
		Long: `Classify the target's catalog and print every textual column whose name
contains a sensitive marker.

Example:
  envsync discover --target dev --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			out := rootOpts.formatter(cmd)
			return rootOpts.withApp(ctx, config.Overrides{}, func(a *app) error {
				cols, err := discovery.Collect(a.discovery.Discover(ctx, a.cfg.Target))
				if err != nil {
					return WrapExitError(ExitFailure, "discover columns", err)
				}
				return out.Success(columnList{Target: a.cfg.Target, Columns: cols})
			})
		},
	}
	return cmd
}

type columnList struct {
	Target  string                       `json:"target"`
	Columns []model.ColumnClassification `json:"columns"`
}

func (l columnList) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d sensitive columns in %s\n", len(l.Columns), l.Target)
	for _, c := range l.Columns {
		fmt.Fprintf(&b, "  %-40s %-12s %s\n", c.QualifiedName(), c.DataType, c.Reason)
	}
	return b.String()
}
