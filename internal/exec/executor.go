package exec

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/runenv/internal/errors"
	"github.com/felixgeelhaar/runenv/internal/log"
	"github.com/felixgeelhaar/runenv/internal/metrics"
	"github.com/felixgeelhaar/runenv/internal/spec"
	"github.com/felixgeelhaar/runenv/internal/telemetry"
)

// Executor builds runtime envs on disk with policy enforcement
type Executor struct {
	// Root holds one directory per fingerprint.
	Root   string
	Runner CommandRunner
	Policy *Policy
	// Images is optional; without it every image_uri is pulled.
	Images *ImageCache

	Conda  string
	Python string
	Docker string

	Logger  *log.Logger
	Metrics *metrics.Metrics
}

// NewExecutor creates an executor rooted at root that runs commands on the host.
func NewExecutor(root string) *Executor {
	return &Executor{
		Root:   root,
		Runner: OSRunner{},
		Conda:  "conda",
		Python: "python3",
		Docker: "docker",
		Logger: log.Discard(),
	}
}

// Check applies the executor's policy without running anything.
func (e *Executor) Check(env *spec.RuntimeEnv) error {
	return EnforcePolicy(env, e.Policy)
}

// Dir returns the environment directory for a fingerprint.
func (e *Executor) Dir(fingerprint string) string {
	return filepath.Join(e.Root, fingerprint)
}

// Setup builds env under Root and returns its ready handle. The whole build is
// bounded by cfg.SetupTimeoutSeconds unless it is -1. Partial results are
// removed on failure.
func (e *Executor) Setup(ctx context.Context, fingerprint string, env *spec.RuntimeEnv, cfg spec.Config) (*Context, error) {
	if err := e.Check(env); err != nil {
		return nil, err
	}

	var timeout time.Duration
	if cfg.SetupTimeoutSeconds != spec.NoSetupTimeout {
		timeout = time.Duration(cfg.SetupTimeoutSeconds) * time.Second
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	s, err := e.newSession(fingerprint, env, cfg)
	if err != nil {
		return nil, err
	}
	defer s.close()

	s.logger.Info("setting up runtime env", "dir", s.dir, "setup_timeout_seconds", cfg.SetupTimeoutSeconds)

	for _, p := range plugins {
		if !p.applies(env) {
			continue
		}
		if err := s.runPlugin(ctx, p); err != nil {
			_ = os.RemoveAll(s.dir)
			return nil, e.classify(ctx, fingerprint, timeout, err)
		}
	}

	if err := s.finish(); err != nil {
		_ = os.RemoveAll(s.dir)
		return nil, err
	}

	s.logger.Info("runtime env ready", "duration", time.Since(s.manifest.StartedAt).String())
	return s.handle, nil
}

func (e *Executor) classify(ctx context.Context, fingerprint string, timeout time.Duration, err error) error {
	switch {
	case errors.CodeOf(err) != "":
		return err
	case stderrors.Is(err, context.DeadlineExceeded) && timeout > 0:
		return errors.NewSetupTimeoutError(fingerprint, timeout)
	case ctx.Err() != nil:
		return errors.Wrap(errors.ErrCodeSetupCancelled, "runtime env setup cancelled", err)
	default:
		return errors.NewSetupFailureError(fingerprint, "setup", err.Error(), err)
	}
}

// Remove deletes the environment directory for a fingerprint.
func (e *Executor) Remove(fingerprint string) error {
	if fingerprint == "" || filepath.Base(fingerprint) != fingerprint {
		return fmt.Errorf("invalid fingerprint %q", fingerprint)
	}
	if err := os.RemoveAll(e.Dir(fingerprint)); err != nil {
		return errors.Wrap(errors.ErrCodeDirectoryFailed, "remove runtime env directory", err)
	}
	return nil
}

// session carries the state of a single Setup call.
type session struct {
	executor    *Executor
	fingerprint string
	env         *spec.RuntimeEnv
	dir         string
	logger      *log.Logger

	handle   *Context
	manifest *SetupManifest
	logs     io.Writer
	closers  []io.Closer
}

func (e *Executor) newSession(fingerprint string, env *spec.RuntimeEnv, cfg spec.Config) (*session, error) {
	dir := e.Dir(fingerprint)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeDirectoryFailed, "create runtime env directory", err)
	}

	setupID := uuid.NewString()
	logger := e.Logger
	if logger == nil {
		logger = log.Discard()
	}

	s := &session{
		executor:    e,
		fingerprint: fingerprint,
		env:         env,
		dir:         dir,
		logger:      logger.With("fingerprint", fingerprint, "setup_id", setupID),
		handle: &Context{
			Fingerprint:  fingerprint,
			SetupID:      setupID,
			Dir:          dir,
			EnvVars:      make(map[string]string),
			ManifestPath: filepath.Join(dir, manifestFile),
		},
		manifest: &SetupManifest{
			SetupID:     setupID,
			Fingerprint: fingerprint,
			RuntimeEnv:  env.ToMap(),
			Steps:       []StepRecord{},
			InputHashes: make(map[string]string),
			StartedAt:   time.Now(),
		},
		logs: io.Discard,
	}

	var writers []io.Writer
	for _, path := range cfg.LogFiles {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			s.close()
			return nil, errors.Wrap(errors.ErrCodeFileWriteFailed, "open setup log file "+path, err)
		}
		writers = append(writers, f)
		s.closers = append(s.closers, f)
	}
	if len(writers) > 0 {
		s.logs = io.MultiWriter(writers...)
	}

	return s, nil
}

func (s *session) runPlugin(ctx context.Context, p plugin) error {
	ctx, span := telemetry.StartSetupSpan(ctx, s.fingerprint, p.name)
	start := time.Now()

	err := p.run(s, ctx)

	telemetry.EndSpan(span, err)
	if m := s.executor.Metrics; m != nil {
		m.SetupSteps.WithLabelValues(p.name, strconv.FormatBool(err == nil)).Inc()
		m.SetupStepDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		s.logger.WithError(err).Warn("setup plugin failed", "plugin", p.name)
	} else {
		s.logger.Debug("setup plugin finished", "plugin", p.name, "duration", time.Since(start).String())
	}
	return err
}

// run executes one command and records it. Only errors that stopped the
// command from completing are returned; callers inspect the exit code.
func (s *session) run(ctx context.Context, plugin string, step Step) (*Result, error) {
	step.Plugin = plugin
	fmt.Fprintf(s.logs, "[%s] $ %s\n", s.fingerprint, step.CommandLine())

	res, err := s.executor.Runner.Run(ctx, step)
	if err != nil {
		return nil, err
	}

	if res.Output != "" {
		_, _ = io.WriteString(s.logs, res.Output)
	}
	s.record(plugin, &step, res.ExitCode, res.Duration)
	return res, nil
}

// check turns a non-zero exit into a setup failure carrying the output verbatim.
func (s *session) check(plugin string, res *Result) error {
	if res.ExitCode == 0 {
		return nil
	}
	return errors.NewSetupFailureError(s.fingerprint, plugin, res.Output,
		fmt.Errorf("exit status %d", res.ExitCode))
}

func (s *session) record(plugin string, step *Step, exitCode int, d time.Duration) {
	rec := StepRecord{Plugin: plugin, ExitCode: exitCode, Duration: d.String()}
	if step != nil {
		rec.Command = step.CommandLine()
	}
	s.manifest.Steps = append(s.manifest.Steps, rec)
}

func (s *session) prependPath(dir string) {
	s.handle.PathPrefix = append([]string{dir}, s.handle.PathPrefix...)
}

func (s *session) writeInput(name string, data []byte) (string, error) {
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrap(errors.ErrCodeFileWriteFailed, "write "+name, err)
	}
	if err := s.manifest.AddInputHash(name, path); err != nil {
		return "", err
	}
	return path, nil
}

func (s *session) finish() error {
	s.manifest.Duration = time.Since(s.manifest.StartedAt).String()
	if err := SaveManifest(s.manifest, s.dir); err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "write setup manifest", err)
	}
	s.handle.CreatedAt = time.Now()
	return nil
}

func (s *session) close() {
	for _, c := range s.closers {
		_ = c.Close()
	}
}
