// Package cmd implements the runenv command line.
package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the runenv command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "runenv",
		Short: "Resolve and cache runtime environments for distributed tasks",
		Long: `runenv builds the runtime environments tasks run in: conda or pip
dependency sets, environment variables, container images and working
directories. Built environments are cached by fingerprint, failed setups are
cached for a while, and concurrent requests for the same environment share
one setup.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "settings file (default is $HOME/.runenv/config.yaml)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: json or text")
	flags.String("format", "text", "output format: text or json")

	root.AddCommand(
		newValidateCommand(),
		newFingerprintCommand(),
		newResolveCommand(),
		newServeCommand(),
		newEventsCommand(),
		newDoctorCommand(),
		newConfigCommand(),
		newVersionCommand(),
	)
	return root
}

// ExecuteContext runs the root command with ctx, which is cancelled on SIGINT.
func ExecuteContext(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}
