// Package config loads process-wide settings for the runenv agent.
//
// Settings come from ~/.runenv/config.yaml (or an explicit --config path) and
// are then overridden by RUNENV_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/runenv/internal/errors"
	"github.com/felixgeelhaar/runenv/internal/exec"
	"github.com/felixgeelhaar/runenv/internal/journal"
	"github.com/felixgeelhaar/runenv/internal/log"
	"github.com/felixgeelhaar/runenv/internal/resolution"
	"github.com/felixgeelhaar/runenv/internal/telemetry"
)

// Environment variables read by ApplyEnv.
const (
	EnvHome              = "RUNENV_HOME"
	EnvCacheDir          = "RUNENV_CACHE_DIR"
	EnvBadEnvCacheTTL    = "RUNENV_BAD_ENV_CACHE_TTL_SECONDS"
	EnvSweepInterval     = "RUNENV_SWEEP_INTERVAL_SECONDS"
	EnvLogLevel          = "RUNENV_LOG_LEVEL"
	EnvLogFormat         = "RUNENV_LOG_FORMAT"
	EnvServerAddress     = "RUNENV_SERVER_ADDRESS"
	EnvTracingEnabled    = "RUNENV_TRACING_ENABLED"
	EnvTracingEndpoint   = "RUNENV_TRACING_ENDPOINT"
	EnvImageAllowlist    = "RUNENV_IMAGE_ALLOWLIST"
	EnvDisabledPlugins   = "RUNENV_DISABLED_PLUGINS"
	EnvCondaBinary       = "RUNENV_CONDA"
	EnvPythonBinary      = "RUNENV_PYTHON"
	EnvDockerBinary      = "RUNENV_DOCKER"
	EnvImageCacheMaxAge  = "RUNENV_IMAGE_CACHE_MAX_AGE_SECONDS"
	EnvEventsEnabled     = "RUNENV_EVENTS_ENABLED"
	defaultSettingsFile  = "config.yaml"
	defaultHomeDirectory = ".runenv"
)

// Settings is the agent's process-wide configuration.
type Settings struct {
	// CacheDir holds one directory per built runtime env.
	CacheDir string `yaml:"cache_dir"`

	// BadEnvCacheTTL is how long a failed setup is served from the cache.
	BadEnvCacheTTL time.Duration `yaml:"bad_env_cache_ttl"`

	// SweepInterval is how often expired failures are dropped eagerly.
	// Zero disables the sweeper; lookups still expire them lazily.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	ImageCacheMaxAge time.Duration `yaml:"image_cache_max_age"`

	Tools     Tools            `yaml:"tools"`
	Policy    exec.Policy      `yaml:"policy"`
	Log       Log              `yaml:"log"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Server    Server           `yaml:"server"`

	// Events configures the lifecycle journal under <cache_dir>/.events.
	Events journal.Config `yaml:"events"`
}

// Tools names the package manager binaries.
type Tools struct {
	Conda  string `yaml:"conda"`
	Python string `yaml:"python"`
	Docker string `yaml:"docker"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Server struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Home returns $RUNENV_HOME, or ~/.runenv.
func Home() string {
	if home := os.Getenv(EnvHome); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return defaultHomeDirectory
	}
	return filepath.Join(userHome, defaultHomeDirectory)
}

// DefaultPath returns the settings file used when no --config is given.
func DefaultPath() string {
	return filepath.Join(Home(), defaultSettingsFile)
}

// Default returns settings with every field populated.
func Default() Settings {
	return Settings{
		CacheDir:         filepath.Join(Home(), "envs"),
		BadEnvCacheTTL:   resolution.DefaultFailureTTL,
		SweepInterval:    time.Minute,
		ImageCacheMaxAge: 24 * time.Hour,
		Tools: Tools{
			Conda:  "conda",
			Python: "python3",
			Docker: "docker",
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
		Telemetry: telemetry.DefaultConfig(),
		Events:    journal.DefaultConfig(),
		Server: Server{
			Address:         "127.0.0.1:8265",
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

// Load reads settings from path on top of the defaults, then applies the
// environment. An empty path means DefaultPath, which may be missing; an
// explicit path must exist.
func Load(path string) (Settings, error) {
	s := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, errors.NewFileUnmarshalError(path, "yaml", err)
		}
	case os.IsNotExist(err) && !explicit:
	case os.IsNotExist(err):
		return Settings{}, errors.New(errors.ErrCodeFileNotFound, "settings file not found: "+path)
	default:
		return Settings{}, errors.Wrap(errors.ErrCodeFileReadFailed, "failed to read settings file "+path, err)
	}

	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// ApplyEnv overrides settings from environment variables found by lookup.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}
	seconds := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrap(errors.ErrCodeSettingsInvalid, key+" must be an integer number of seconds", err)
		}
		*dst = time.Duration(n) * time.Second
		return nil
	}

	str(EnvCacheDir, &s.CacheDir)
	str(EnvLogLevel, &s.Log.Level)
	str(EnvLogFormat, &s.Log.Format)
	str(EnvServerAddress, &s.Server.Address)
	str(EnvTracingEndpoint, &s.Telemetry.Endpoint)
	str(EnvCondaBinary, &s.Tools.Conda)
	str(EnvPythonBinary, &s.Tools.Python)
	str(EnvDockerBinary, &s.Tools.Docker)
	list(EnvImageAllowlist, &s.Policy.ImageAllowlist)
	list(EnvDisabledPlugins, &s.Policy.DisabledPlugins)

	for key, dst := range map[string]*time.Duration{
		EnvBadEnvCacheTTL:   &s.BadEnvCacheTTL,
		EnvSweepInterval:    &s.SweepInterval,
		EnvImageCacheMaxAge: &s.ImageCacheMaxAge,
	} {
		if err := seconds(key, dst); err != nil {
			return err
		}
	}

	for key, dst := range map[string]*bool{
		EnvTracingEnabled: &s.Telemetry.Enabled,
		EnvEventsEnabled:  &s.Events.Enabled,
	} {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(errors.ErrCodeSettingsInvalid, key+" must be a boolean", err)
		}
		*dst = enabled
	}
	return nil
}

// Validate reports the first invalid setting.
func (s Settings) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.New(errors.ErrCodeSettingsInvalid, fmt.Sprintf(format, args...))
	}

	if s.CacheDir == "" {
		return invalid("cache_dir must not be empty")
	}
	if s.BadEnvCacheTTL <= 0 {
		return invalid("bad_env_cache_ttl must be positive, got %s", s.BadEnvCacheTTL)
	}
	if s.SweepInterval < 0 {
		return invalid("sweep_interval must not be negative, got %s", s.SweepInterval)
	}
	if s.ImageCacheMaxAge < 0 {
		return invalid("image_cache_max_age must not be negative, got %s", s.ImageCacheMaxAge)
	}
	if s.Tools.Conda == "" || s.Tools.Python == "" || s.Tools.Docker == "" {
		return invalid("tool binaries must not be empty")
	}
	if _, err := log.ParseLevel(s.Log.Level); err != nil {
		return invalid("log.level: %v", err)
	}
	if f := strings.ToLower(s.Log.Format); f != "json" && f != "text" && f != "console" {
		return invalid("log.format must be json or text, got %q", s.Log.Format)
	}
	if s.Telemetry.SampleRate < 0 || s.Telemetry.SampleRate > 1 {
		return invalid("telemetry.sample_rate must be between 0 and 1, got %v", s.Telemetry.SampleRate)
	}
	if s.Server.ShutdownTimeout < 0 {
		return invalid("server.shutdown_timeout must not be negative")
	}
	if err := s.Events.Validate(); err != nil {
		return errors.Wrap(errors.ErrCodeSettingsInvalid, "invalid events settings", err)
	}
	if err := s.Policy.Validate(); err != nil {
		return errors.Wrap(errors.ErrCodeSettingsInvalid, "invalid policy", err)
	}
	return nil
}

// EventsDir is where the lifecycle journal is written.
func (s Settings) EventsDir() string {
	return filepath.Join(s.CacheDir, ".events")
}

// LogConfig converts the log settings for log.New.
func (s Settings) LogConfig() log.Config {
	cfg := log.DefaultConfig()
	if level, err := log.ParseLevel(s.Log.Level); err == nil {
		cfg.Level = level
	}
	cfg.Format = log.ParseFormat(s.Log.Format)
	return cfg
}

// Save writes settings as YAML, creating parent directories.
func (s Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "failed to encode settings", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeDirectoryFailed, "failed to create settings directory", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "failed to write settings file "+path, err)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
