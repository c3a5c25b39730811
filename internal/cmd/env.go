package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/runenv/internal/agent"
	"github.com/felixgeelhaar/runenv/internal/spec"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate runtime env files",
		Long: `Validate one or more runtime env files (YAML or JSON).

A file is valid when it parses, its fields are well formed, pip and conda are
not both set, and its config has an integer setup_timeout_seconds that is
positive or -1.

Examples:
  runenv validate env.yaml
  runenv validate --format json envs/*.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: runValidate,
	}
}

// ValidateResult is one line of "runenv validate" output.
type ValidateResult struct {
	File        string `json:"file"`
	Valid       bool   `json:"valid"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Error       string `json:"error,omitempty"`
	Code        string `json:"code,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}

	results := make([]ValidateResult, 0, len(args))
	var firstErr error
	for _, file := range args {
		result := ValidateResult{File: file}
		env, err := spec.LoadFile(file)
		if err == nil {
			result.Fingerprint, err = spec.Hash(env)
		}
		if err != nil {
			result.Error = err.Error()
			result.Code = string(errorCode(err))
			if firstErr == nil {
				firstErr = err
			}
		} else {
			result.Valid = true
		}
		results = append(results, result)
	}

	if cc.JSON() {
		if err := cc.WriteJSON(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if r.Valid {
				cc.Printf("ok    %s  %s\n", r.File, r.Fingerprint)
			} else {
				cc.Printf("FAIL  %s\n%s\n", r.File, indent(r.Error))
			}
		}
	}

	if firstErr != nil && len(args) > 1 {
		return fmt.Errorf("%d of %d runtime env files are invalid: %w", countInvalid(results), len(args), firstErr)
	}
	return firstErr
}

func countInvalid(results []ValidateResult) int {
	n := 0
	for _, r := range results {
		if !r.Valid {
			n++
		}
	}
	return n
}

func newFingerprintCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <file>",
		Short: "Print the fingerprint of a runtime env",
		Long: `Print the cache key of a runtime env file. Two files with the same
fingerprint share one built environment; the config section does not count.`,
		Args: cobra.ExactArgs(1),
		RunE: runFingerprint,
	}
}

func runFingerprint(cmd *cobra.Command, args []string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}

	env, err := spec.LoadFile(args[0])
	if err != nil {
		return err
	}
	fp, err := spec.Hash(env)
	if err != nil {
		return err
	}

	if cc.JSON() {
		canonical, err := spec.Canonicalize(env)
		if err != nil {
			return err
		}
		return cc.WriteJSON(map[string]any{
			"fingerprint": fp,
			"canonical":   string(canonical),
		})
	}
	cc.Printf("%s\n", fp)
	return nil
}

func newResolveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <file>",
		Short: "Build a runtime env and print its ready handle",
		Long: `Build the runtime env described by a file, as a single call of a job.

The job env given with --job is merged with the file: top-level fields of the
file replace the job's. The result is cached under the cache directory, so a
second resolve of the same env reuses it.

Examples:
  runenv resolve env.yaml
  runenv resolve --job job.yaml --timeout 5m call.yaml
  runenv resolve --print-env env.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: runResolve,
	}
	cmd.Flags().String("job", "", "job-level runtime env file")
	cmd.Flags().Duration("timeout", 0, "stop waiting after this long (0 waits for the setup)")
	cmd.Flags().Bool("print-env", false, "print the worker environment as KEY=VALUE lines")
	return cmd
}

// ResolveResult is the JSON output of "runenv resolve".
type ResolveResult struct {
	Fingerprint string            `json:"fingerprint"`
	EnvDir      string            `json:"env_dir,omitempty"`
	SetupID     string            `json:"setup_id,omitempty"`
	Manifest    string            `json:"manifest,omitempty"`
	PathPrefix  []string          `json:"path_prefix,omitempty"`
	EnvVars     map[string]string `json:"env_vars,omitempty"`
	ImageURI    string            `json:"image_uri,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	RuntimeEnv  map[string]any    `json:"runtime_env"`
	Duration    string            `json:"duration"`
}

func runResolve(cmd *cobra.Command, args []string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	jobFile, _ := cmd.Flags().GetString("job")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	printEnv, _ := cmd.Flags().GetBool("print-env")

	st, err := newStack(cc.Settings, cc.Logger)
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := cmd.Context()

	var jobEnv any
	if jobFile != "" {
		if jobEnv, err = spec.LoadFile(jobFile); err != nil {
			return err
		}
	}
	job, err := st.agent.StartJob(ctx, "", jobEnv)
	if err != nil {
		return err
	}
	defer st.agent.EndJob(job.ID)

	callEnv, err := spec.LoadFile(args[0])
	if err != nil {
		return err
	}

	var opts []agent.PrepareOption
	if timeout > 0 {
		opts = append(opts, agent.WithWaitTimeout(timeout))
	}

	start := time.Now()
	prepared, err := st.agent.Prepare(ctx, job, callEnv, opts...)
	if err != nil {
		return err
	}

	if printEnv {
		for _, kv := range prepared.Runtime.Environ(os.Environ(), prepared.Handle) {
			cc.Printf("%s\n", kv)
		}
		return nil
	}

	result := ResolveResult{
		Fingerprint: prepared.Fingerprint,
		RuntimeEnv:  prepared.Runtime.RuntimeEnv(),
		Duration:    time.Since(start).Round(time.Millisecond).String(),
	}
	if h := prepared.Handle; h != nil {
		result.EnvDir = h.Dir
		result.SetupID = h.SetupID
		result.Manifest = h.ManifestPath
		result.PathPrefix = h.PathPrefix
		result.EnvVars = h.EnvVars
		result.ImageURI = h.ImageURI
		result.WorkingDir = h.WorkingDir
	}

	if cc.JSON() {
		return cc.WriteJSON(result)
	}

	cc.Printf("fingerprint  %s\n", result.Fingerprint)
	if result.EnvDir == "" {
		cc.Printf("(empty runtime env, nothing to build)\n")
		return nil
	}
	cc.Printf("env dir      %s\n", result.EnvDir)
	cc.Printf("setup id     %s\n", result.SetupID)
	if result.ImageURI != "" {
		cc.Printf("image        %s\n", result.ImageURI)
	}
	if result.WorkingDir != "" {
		cc.Printf("working dir  %s\n", result.WorkingDir)
	}
	cc.Printf("took         %s\n", result.Duration)
	return nil
}
