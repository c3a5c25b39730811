package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/runenv/internal/config"
	"github.com/felixgeelhaar/runenv/internal/errors"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View or create runenv settings",
		Long: `Manage the settings stored at ~/.runenv/config.yaml.

Settings include the cache directory, how long failed setups stay cached,
package manager binaries, the image and plugin policy, logging, tracing and
the server address. RUNENV_* environment variables override the file, e.g.
RUNENV_BAD_ENV_CACHE_TTL_SECONDS=60.

Examples:
  runenv config view
  runenv config path
  runenv config init`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "view",
			Short: "Print the effective settings as YAML",
			Args:  cobra.NoArgs,
			RunE:  runConfigView,
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the settings file path",
			Args:  cobra.NoArgs,
			RunE:  runConfigPath,
		},
		newConfigInitCommand(),
	)
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default settings file",
		Args:  cobra.NoArgs,
		RunE:  runConfigInit,
	}
	cmd.Flags().Bool("force", false, "overwrite an existing settings file")
	return cmd
}

func settingsPath(cc *CommandContext) string {
	if cc.ConfigPath != "" {
		return cc.ConfigPath
	}
	return config.DefaultPath()
}

func runConfigView(cmd *cobra.Command, _ []string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	if cc.JSON() {
		return cc.WriteJSON(cc.Settings)
	}
	data, err := yaml.Marshal(cc.Settings)
	if err != nil {
		return err
	}
	cc.Printf("%s", data)
	return nil
}

func runConfigPath(cmd *cobra.Command, _ []string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	cc.Printf("%s\n", settingsPath(cc))
	return nil
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	// Loading is skipped: the file may not exist yet.
	configPath, _ := cmd.Flags().GetString("config")
	force, _ := cmd.Flags().GetBool("force")
	if configPath == "" {
		configPath = config.DefaultPath()
	}

	if _, err := os.Stat(configPath); err == nil && !force {
		return NewErrorWithSuggestions(
			"settings file already exists: "+configPath,
			errors.New(errors.ErrCodeFileWriteFailed, "refusing to overwrite"),
			"Use --force to overwrite it",
			"Inspect it with: runenv config view",
		)
	}

	if err := config.Default().Save(configPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configPath)
	return nil
}
