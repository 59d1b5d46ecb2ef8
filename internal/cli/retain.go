package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/envsync/internal/config"
)

// RetainOptions holds flags for the retain command.
type RetainOptions struct {
	*RootOptions
	Keep int
}

// NewRetainCommand creates the retain command.
func NewRetainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RetainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "retain",
		Short: "Delete all but the newest backups of the target",
		Long: `Keep the newest backups of the target and delete the rest.

Deletion is best effort: a backup that cannot be deleted is reported and the
pass continues. --keep defaults to backupsToKeep from the config.

Example:
  envsync retain --target dev --keep 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetain(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.Keep, "keep", -1, "number of backups to keep (default from config)")

	return cmd
}

func runRetain(cmd *cobra.Command, opts *RetainOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := opts.formatter(cmd)

	return opts.withApp(ctx, config.Overrides{}, func(a *app) error {
		keep := a.cfg.BackupsToKeep
		if cmd.Flags().Changed("keep") {
			keep = opts.Keep
		}
		a.sync(ctx)

		res, err := a.retention.Retain(ctx, a.cfg.Target, keep)
		if err != nil {
			return WrapExitError(ExitFailure, "retain", err)
		}
		if len(res.Failures) > 0 {
			if err := out.Report("RETENTION_INCOMPLETE", res, "some backups could not be deleted"); err != nil {
				return err
			}
			return NewExitError(ExitFailure, "retention incomplete")
		}
		return out.Success(res)
	})
}
