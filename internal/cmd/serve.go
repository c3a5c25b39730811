package cmd

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/runenv/internal/health"
	"github.com/felixgeelhaar/runenv/internal/metrics"
	"github.com/felixgeelhaar/runenv/internal/server"
	"github.com/felixgeelhaar/runenv/internal/telemetry"
	"github.com/felixgeelhaar/runenv/internal/version"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the runtime env agent as an HTTP service",
		Long: `Run the runtime env agent behind an HTTP API.

API:
  POST   /v1/jobs                          start a job with its runtime env
  DELETE /v1/jobs/{id}                     end a job
  POST   /v1/runtime-envs                  resolve the runtime env of a call
  GET    /v1/runtime-envs                  list cached runtime envs
  GET    /v1/runtime-envs/{fingerprint}    show one cached runtime env
  DELETE /v1/runtime-envs/{fingerprint}    drop a runtime env and its directory
  POST   /v1/fingerprint                   fingerprint a runtime env
  GET    /v1/events                        recent lifecycle events

Operations:
  /health/live, /health/ready, /health/startup, /healthz, /metrics

The server drains in-flight requests on SIGTERM or SIGINT.

Examples:
  runenv serve
  runenv serve --address 0.0.0.0:8265 --shutdown-timeout 60s`,
		RunE: runServe,
	}
	cmd.Flags().String("address", "", "listen address (default from settings)")
	cmd.Flags().Duration("shutdown-timeout", 0, "maximum time to drain connections (default from settings)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	s := cc.Settings
	if address, _ := cmd.Flags().GetString("address"); address != "" {
		s.Server.Address = address
	}
	if timeout, _ := cmd.Flags().GetDuration("shutdown-timeout"); timeout > 0 {
		s.Server.ShutdownTimeout = timeout
	}

	ctx := cmd.Context()
	info := version.GetInfo()

	telemetry.SetLogger(cc.Logger)
	tcfg := s.Telemetry
	tcfg.ServiceVersion = info.Version
	shutdownTracing, err := telemetry.InitProvider(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			cc.Logger.WithError(err).Warn("failed to flush traces")
		}
	}()

	st, err := newStack(s, cc.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			cc.Logger.WithError(err).Warn("failed to close events journal")
		}
	}()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if s.SweepInterval > 0 {
		go st.cache.Run(sweepCtx, s.SweepInterval)
	}

	pm := health.NewProbeManager(info.Version)
	for _, checker := range healthCheckers(st.executor) {
		pm.AddChecker(checker)
	}

	srv, err := server.NewServer(st.agent, pm, server.Config{
		Address:         s.Server.Address,
		ShutdownTimeout: s.Server.ShutdownTimeout,
		Metrics:         metrics.HandlerFor(st.registry),
		Logger:          cc.Logger,
	})
	if err != nil {
		return err
	}

	cc.Logger.Info("starting runenv agent",
		"version", info.Version,
		"address", s.Server.Address,
		"cache_dir", s.CacheDir,
		"bad_env_cache_ttl", s.BadEnvCacheTTL.String(),
	)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	select {
	case err := <-serverErr:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return ServerStartError(s.Server.Address, err)

	case <-ctx.Done():
		cc.Logger.Info("shutting down", "reason", context.Cause(ctx).Error())

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.Server.ShutdownTimeout+5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		cc.Logger.Info("server stopped")
		return nil
	}
}
