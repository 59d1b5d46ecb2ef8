// Package cli implements the envsync command line.
package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/envsync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Source     string
	Target     string
	Verbose    bool
	Format     string // "json" | "text"
	LogFormat  string // "json" | "text"

	logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the envsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "envsync",
		Short: "envsync - environment refresh orchestrator",
		Long: `Refresh a non-production environment from its source, mask contact data,
and prune old backups, without ever leaving the target unrecoverable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			logger, err := newLogger(cmd.ErrOrStderr(), opts.LogFormat, opts.Verbose)
			if err != nil {
				return WrapExitError(ExitCommandError, "configure logging", err)
			}
			opts.logger = logger
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "path to a CUE config file")
	flags.StringVar(&opts.Source, "source", "", "source environment (overrides config)")
	flags.StringVar(&opts.Target, "target", "", "target environment (overrides config)")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVar(&opts.LogFormat, "log-format", "text", "log format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRefreshCommand(opts))
	cmd.AddCommand(NewRestoreCommand(opts))
	cmd.AddCommand(NewMaskCommand(opts))
	cmd.AddCommand(NewDiscoverCommand(opts))
	cmd.AddCommand(NewRetainCommand(opts))
	cmd.AddCommand(NewEnvsCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))

	return cmd
}

// loadConfig reads the config file with the flag overrides applied.
func (o *RootOptions) loadConfig(overrides config.Overrides) (*config.Config, error) {
	overrides.Source = o.Source
	overrides.Target = o.Target
	cfg, err := config.Load(o.ConfigPath, overrides)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	return cfg, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func (o *RootOptions) log() *slog.Logger {
	if o.logger == nil {
		return slog.Default()
	}
	return o.logger
}
