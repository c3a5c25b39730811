package cmd

import (
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/felixgeelhaar/runenv/internal/agent"
	"github.com/felixgeelhaar/runenv/internal/config"
	"github.com/felixgeelhaar/runenv/internal/exec"
	"github.com/felixgeelhaar/runenv/internal/health"
	"github.com/felixgeelhaar/runenv/internal/journal"
	"github.com/felixgeelhaar/runenv/internal/log"
	"github.com/felixgeelhaar/runenv/internal/metrics"
	"github.com/felixgeelhaar/runenv/internal/resolution"
)

// stack is the agent and the pieces commands reach into directly.
type stack struct {
	agent    *agent.Agent
	cache    *resolution.Cache
	executor *exec.Executor
	registry *prometheus.Registry
	journal  *journal.Journal
}

func newStack(s config.Settings, logger *log.Logger) (*stack, error) {
	registry, m := metrics.NewRegistry()

	executor := newExecutor(s, logger, m)

	events, err := journal.Open(s.EventsDir(), s.Events, logger)
	if err != nil {
		return nil, err
	}

	cache := resolution.NewCache(resolution.Options{
		FailureTTL: s.BadEnvCacheTTL,
		Logger:     logger,
		Metrics:    m,
		Journal:    events,
	})

	a, err := agent.New(agent.Options{
		Cache:    cache,
		Executor: executor,
		Logger:   logger,
		Metrics:  m,
		Journal:  events,
	})
	if err != nil {
		_ = events.Close()
		return nil, err
	}

	return &stack{agent: a, cache: cache, executor: executor, registry: registry, journal: events}, nil
}

func (s *stack) Close() error {
	return s.journal.Close()
}

func newExecutor(s config.Settings, logger *log.Logger, m *metrics.Metrics) *exec.Executor {
	executor := exec.NewExecutor(s.CacheDir)
	executor.Conda = s.Tools.Conda
	executor.Python = s.Tools.Python
	executor.Docker = s.Tools.Docker
	executor.Logger = logger
	executor.Metrics = m
	images := exec.NewImageCache(filepath.Join(s.CacheDir, ".images"), s.ImageCacheMaxAge)
	if err := images.Load(); err != nil {
		logger.WithError(err).Warn("ignoring unreadable image cache")
	}
	executor.Images = images

	policy := s.Policy
	executor.Policy = &policy
	return executor
}

// healthCheckers returns the dependency checks shared by serve and doctor.
// Python is required for pip envs; conda and docker only serve some envs.
func healthCheckers(executor *exec.Executor) []health.Checker {
	checkers := []health.Checker{health.NewCacheDirChecker(executor.Root)}
	for _, tool := range executor.Tools() {
		required := tool.Name == executor.Python
		checkers = append(checkers, health.NewToolChecker(executor.Runner, tool, required))
	}
	return checkers
}
