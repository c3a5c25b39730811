package exec

import "time"

// Step is a single external command run during environment setup.
type Step struct {
	Plugin string            // setup plugin that issued the command
	Name   string            // executable
	Args   []string          // arguments
	Dir    string            // working directory, empty for the current one
	Env    map[string]string // extra environment variables
}

// CommandLine renders the step as a single line for logs and manifests.
func (s Step) CommandLine() string {
	line := s.Name
	for _, arg := range s.Args {
		line += " " + arg
	}
	return line
}

// Result represents the outcome of a step
type Result struct {
	ExitCode int
	Output   string // combined stdout and stderr, untouched
	Duration time.Duration
}

// Context is the ready handle for a built runtime env. Callers treat it as
// opaque and hand it to whatever applies the environment before user code runs.
type Context struct {
	Fingerprint string
	SetupID     string
	Dir         string

	// PathPrefix lists directories to prepend to PATH, in order.
	PathPrefix []string
	// EnvVars are applied on top of the worker's base environment.
	EnvVars    map[string]string
	ImageURI   string
	WorkingDir string

	ManifestPath string
	CreatedAt    time.Time
}

// SetupManifest is the audit record written next to each built environment.
type SetupManifest struct {
	SetupID     string            `json:"setup_id"`
	Fingerprint string            `json:"fingerprint"`
	RuntimeEnv  map[string]any    `json:"runtime_env"`
	Steps       []StepRecord      `json:"steps"`
	InputHashes map[string]string `json:"input_hashes,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	Duration    string            `json:"duration"`
}

// StepRecord is one manifest entry.
type StepRecord struct {
	Plugin   string `json:"plugin"`
	Command  string `json:"command,omitempty"`
	ExitCode int    `json:"exit_code"`
	Duration string `json:"duration"`
}
