// Package spec turns user-supplied runtime env descriptions into one canonical
// representation and fingerprints it.
//
// A runtime env arrives either loose, as a map[string]any decoded from JSON/YAML
// or built by hand, or typed, as a RuntimeEnv value. Both forms pass through the
// same validation and normalize to the same fingerprint when every effective
// field matches.
package spec

import (
	"math"
	"time"
)

// Top-level runtime env field names.
const (
	FieldPip        = "pip"
	FieldConda      = "conda"
	FieldEnvVars    = "env_vars"
	FieldWorkingDir = "working_dir"
	FieldImageURI   = "image_uri"
	FieldConfig     = "config"
)

// Config field names.
const (
	FieldSetupTimeoutSeconds = "setup_timeout_seconds"
	FieldEagerInstall        = "eager_install"
	FieldLogFiles            = "log_files"
)

const (
	// DefaultSetupTimeoutSeconds bounds environment construction when no config is given.
	DefaultSetupTimeoutSeconds = 600
	// NoSetupTimeout disables the setup bound.
	NoSetupTimeout = -1
)

// MaxSetupTimeoutSeconds is the largest bound a time.Duration can hold.
const MaxSetupTimeoutSeconds int64 = math.MaxInt64 / int64(time.Second)

// RuntimeEnv describes an isolated execution context for a task or actor.
// Treat values as immutable once constructed; use Clone to derive a modified copy.
type RuntimeEnv struct {
	Pip        *Pip
	Conda      *Conda
	EnvVars    map[string]string
	WorkingDir string
	ImageURI   string

	// Config holds setup options. It never contributes to the fingerprint.
	Config *Config

	// Extra carries unrecognized top-level fields for setup plugins.
	Extra map[string]any
}

// Pip lists packages installed into a virtualenv.
type Pip struct {
	Packages   []string
	PipCheck   bool
	PipVersion string
}

// Conda either names an existing environment or describes one to create.
// EnvName is mutually exclusive with the other fields.
type Conda struct {
	EnvName string

	Name         string
	Channels     []string
	Dependencies []string
}

// Config holds the options that control how an environment is set up.
type Config struct {
	// SetupTimeoutSeconds is -1 (no timeout) or a positive number of seconds.
	SetupTimeoutSeconds int
	// EagerInstall resolves a job-level env as soon as the job starts.
	EagerInstall bool
	// LogFiles receive a copy of the setup output.
	LogFiles []string
}

// DefaultConfig returns the config used when a runtime env has none.
func DefaultConfig() Config {
	return Config{
		SetupTimeoutSeconds: DefaultSetupTimeoutSeconds,
		EagerInstall:        true,
	}
}

// IsEmpty reports whether the env requests nothing to be set up.
func (e *RuntimeEnv) IsEmpty() bool {
	if e == nil {
		return true
	}
	return e.Pip == nil && e.Conda == nil && len(e.EnvVars) == 0 &&
		e.WorkingDir == "" && e.ImageURI == "" && len(e.Extra) == 0
}

// EffectiveConfig returns the env's config, or DefaultConfig when unset.
func (e *RuntimeEnv) EffectiveConfig() Config {
	if e == nil || e.Config == nil {
		return DefaultConfig()
	}
	return e.Config.Clone()
}

// Clone returns a deep copy.
func (e *RuntimeEnv) Clone() *RuntimeEnv {
	if e == nil {
		return nil
	}

	out := &RuntimeEnv{
		WorkingDir: e.WorkingDir,
		ImageURI:   e.ImageURI,
	}
	if e.Pip != nil {
		p := *e.Pip
		p.Packages = cloneStrings(e.Pip.Packages)
		out.Pip = &p
	}
	if e.Conda != nil {
		c := *e.Conda
		c.Channels = cloneStrings(e.Conda.Channels)
		c.Dependencies = cloneStrings(e.Conda.Dependencies)
		out.Conda = &c
	}
	if e.EnvVars != nil {
		out.EnvVars = make(map[string]string, len(e.EnvVars))
		for k, v := range e.EnvVars {
			out.EnvVars[k] = v
		}
	}
	if e.Config != nil {
		c := e.Config.Clone()
		out.Config = &c
	}
	if e.Extra != nil {
		out.Extra = DeepCopy(e.Extra).(map[string]any)
	}
	return out
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	c.LogFiles = cloneStrings(c.LogFiles)
	return c
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

// DeepCopy copies JSON-shaped values: maps, slices and scalars.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = DeepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = DeepCopy(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			out[k] = item
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
