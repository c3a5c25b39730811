package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/runenv/internal/config"
	"github.com/felixgeelhaar/runenv/internal/log"
)

// CommandContext is what a command needs from its flags: the loaded settings,
// a logger built from them and the output format.
type CommandContext struct {
	ConfigPath string
	Format     string
	Settings   config.Settings
	Logger     *log.Logger

	out io.Writer
}

// NewCommandContext loads settings and applies the persistent flags on top.
//
//	func runValidate(cmd *cobra.Command, args []string) error {
//		cc, err := NewCommandContext(cmd)
//		if err != nil {
//			return err
//		}
//		...
//	}
func NewCommandContext(cmd *cobra.Command) (*CommandContext, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return nil, err
	}
	if format != "text" && format != "json" {
		return nil, fmt.Errorf("invalid argument %q for --format: must be text or json", format)
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, err
	}
	logFormat, err := cmd.Flags().GetString("log-format")
	if err != nil {
		return nil, err
	}

	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		settings.Log.Level = logLevel
	}
	if logFormat != "" {
		settings.Log.Format = logFormat
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	logCfg := settings.LogConfig()
	logCfg.Output = cmd.ErrOrStderr()
	logger := log.New(logCfg)
	log.SetDefaultLogger(logger)

	return &CommandContext{
		ConfigPath: configPath,
		Format:     format,
		Settings:   settings,
		Logger:     logger,
		out:        cmd.OutOrStdout(),
	}, nil
}

// Printf writes text output.
func (c *CommandContext) Printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// JSON reports whether --format json was given.
func (c *CommandContext) JSON() bool {
	return c.Format == "json"
}

// WriteJSON writes v as indented JSON.
func (c *CommandContext) WriteJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
