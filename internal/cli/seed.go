package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/envsync/internal/config"
	"github.com/roach88/envsync/internal/platform/sqlite"
)

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed <fixture.yaml>",
		Short: "Create SQLite environments from a YAML fixture",
		Long: `Create the environments described by a YAML fixture on the SQLite
platform. Useful for local trials and demos; existing environments are an error.

Example:
  envsync seed --config envsync.cue ./fixtures/demo.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			out := rootOpts.formatter(cmd)

			fx, err := sqlite.LoadFixture(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "load fixture", err)
			}
			return rootOpts.withApp(ctx, config.Overrides{}, func(a *app) error {
				lite, ok := a.platform.(*sqlite.Platform)
				if !ok {
					return NewExitError(ExitCommandError,
						fmt.Sprintf("seed needs the sqlite platform, config selects %q", a.cfg.Platform.Driver))
				}
				if err := lite.Seed(ctx, fx); err != nil {
					return WrapExitError(ExitFailure, "seed", err)
				}
				a.sync(ctx)
				names := make([]string, len(fx.Environments))
				for i, env := range fx.Environments {
					names[i] = env.Name
				}
				return out.Success(seedResult{Environments: names})
			})
		},
	}
	return cmd
}

type seedResult struct {
	Environments []string `json:"environments"`
}

func (r seedResult) String() string {
	return fmt.Sprintf("seeded %d environments: %v", len(r.Environments), r.Environments)
}
