package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/runenv/internal/version"
)

func newVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long: `Print version information including version number, git commit,
build date, Go version, and platform.`,
		Args: cobra.NoArgs,
		RunE: runVersion,
	}
	cmd.Flags().BoolP("verbose", "v", false, "show detailed version information")
	return cmd
}

func runVersion(cmd *cobra.Command, _ []string) error {
	info := version.GetInfo()
	verbose, _ := cmd.Flags().GetBool("verbose")
	format, _ := cmd.Flags().GetString("format")

	out := cmd.OutOrStdout()
	switch {
	case format == "json":
		cc := &CommandContext{Format: format, out: out}
		return cc.WriteJSON(info)
	case verbose:
		fmt.Fprintln(out, info.String())
	default:
		fmt.Fprintf(out, "runenv %s\n", info.Short())
	}
	return nil
}
