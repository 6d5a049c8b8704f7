// Package server wires the dispatcher together: dedup tracker, session store,
// delivery pipeline, Discord bridge, whitelist commands, and the admin HTTP
// server with health checks, the status snapshot, and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/callbridge/callbridge/internal/breaker"
	"github.com/callbridge/callbridge/internal/bridge"
	"github.com/callbridge/callbridge/internal/config"
	"github.com/callbridge/callbridge/internal/dedup"
	"github.com/callbridge/callbridge/internal/delivery"
	"github.com/callbridge/callbridge/internal/dispatch"
	"github.com/callbridge/callbridge/internal/observability"
	"github.com/callbridge/callbridge/internal/ratelimit"
	"github.com/callbridge/callbridge/internal/session"
	"github.com/callbridge/callbridge/internal/whitelist"
)

// gaugeRefreshInterval is how often the session/dedup/circuit gauges are
// mirrored from the operational snapshot into Prometheus.
const gaugeRefreshInterval = 15 * time.Second

// drainPollInterval is how often shutdown re-checks the in-flight delivery
// counter while draining.
const drainPollInterval = 500 * time.Millisecond

// Server owns every long-lived component and the admin HTTP listener.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	client         *delivery.Client
	pipeline       *delivery.Pipeline
	core           *dispatch.Core
	bridge         *bridge.Bridge
	wlStore        *whitelist.Store
	wlHandler      *whitelist.Handler
	backendLimiter *ratelimit.Bucket
	discordLimiter *ratelimit.Bucket

	adminServer     *http.Server
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
}

// New builds the full component graph from cfg. Nothing dials out yet; the
// Discord gateway and admin listener open in Run.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	dedupTTL, _ := config.ParseDuration(cfg.Dedup.TTL, time.Hour)
	tracker := dedup.NewTracker(dedup.TrackerConfig{
		TTL:               dedupTTL,
		MaxSize:           cfg.Dedup.MaxSize,
		EvictCount:        cfg.Dedup.EvictCount,
		FalsePositiveRate: cfg.Dedup.FalsePositiveRate,
		Generations:       cfg.Dedup.Generations,
	})

	staleAfter, _ := config.ParseDuration(cfg.Sessions.StaleAfter, time.Hour)
	sessions := session.NewStore(cfg.Sessions.Max, staleAfter, logger)

	resetTimeout, _ := config.ParseDuration(cfg.Circuit.ResetTimeout, 30*time.Second)
	circuit := breaker.New(cfg.Circuit.Threshold, resetTimeout)

	client := delivery.NewClient(cfg.Backend)
	sanitizer := delivery.NewSanitizer(cfg.Limits.MessageLength, cfg.Limits.UsernameMax)
	backendLimiter := ratelimit.NewBucket(cfg.BackendRate.PerSecond)
	discordLimiter := ratelimit.NewBucket(cfg.DiscordRate.PerSecond)
	pipeline := delivery.NewPipeline(client, backendLimiter, circuit, sanitizer, metrics, logger, cfg.BackendRate)

	core := dispatch.New(sessions, tracker, circuit, pipeline, nil, metrics, logger, cfg.Circuit.MaxInFlight)

	var (
		interceptor bridge.CommandInterceptor
		wlStore     *whitelist.Store
		wlHandler   *whitelist.Handler
	)
	if cfg.Discord.WhitelistChannelID != "" {
		cacheTTL, _ := config.ParseDuration(cfg.Whitelist.CacheTTL, 5*time.Minute)
		store, err := whitelist.NewStore(cfg.Whitelist.Path, cacheTTL, logger)
		if err != nil {
			return nil, fmt.Errorf("open whitelist store: %w", err)
		}
		wlStore = store
		wlHandler = whitelist.NewHandler(store, pipeline, discordLimiter, cfg.Discord.WhitelistChannelID, logger)
		interceptor = wlHandler
	}

	br, err := bridge.New(cfg.Discord, cfg.Limits, cfg.Sessions, core, discordLimiter, sanitizer, interceptor, logger)
	if err != nil {
		return nil, err
	}
	core.SetSurface(br)

	health.SetDegradedCheck(core.Degraded)
	health.SetSnapshotFunc(func() any { return core.Snapshot() })

	return &Server{
		cfg:            cfg,
		logger:         logger,
		version:        version,
		client:         client,
		pipeline:       pipeline,
		core:           core,
		bridge:         br,
		wlStore:        wlStore,
		wlHandler:      wlHandler,
		backendLimiter: backendLimiter,
		discordLimiter: discordLimiter,
		adminServer:    buildAdminServer(cfg, health, reg),
		health:         health,
		metrics:        metrics,
	}, nil
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry) *http.Server {
	readTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/startz", health.StartzHandler())
	mux.Handle("/healthz", health.HealthzHandler())
	mux.Handle("/readyz", health.ReadyzHandler())
	mux.Handle("/statusz", health.StatuszHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default.
	}
}

// Run opens the Discord gateway and admin listener, runs the sweep and
// rotation loops, and blocks until the context is canceled or a component
// fails. On return everything has been shut down.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	s.health.SetStarted()

	if err := s.bridge.Start(ctx); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
		if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	g.Go(func() error { return s.sweepLoop(gctx) })
	g.Go(func() error { return s.rotationLoop(gctx) })
	g.Go(func() error { return s.gaugeLoop(gctx) })

	s.health.SetReady()
	s.logger.Info("callbridge is ready", "version", s.version)

	<-gctx.Done()
	if ctx.Err() != nil {
		s.logger.Info("shutdown signal received, draining...")
	}

	shutdownErr := s.shutdown()

	// shutdown stopped the admin listener, so the group drains now. A group
	// error (component failure) outranks shutdown cleanup errors.
	if err := g.Wait(); err != nil {
		return err
	}
	return shutdownErr
}

// sweepLoop periodically closes sessions idle past the stale threshold.
func (s *Server) sweepLoop(ctx context.Context) error {
	interval, _ := config.ParseDuration(s.cfg.Sessions.SweepInterval, 5*time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := s.core.SweepStale(ctx, now); n > 0 {
				s.logger.Info("stale sessions swept", "count", n)
			}
		}
	}
}

// rotationLoop ages out old dedup bloom generations.
func (s *Server) rotationLoop(ctx context.Context) error {
	interval := s.cfg.RotationInterval()
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.core.RotateFilters()
			if s.wlHandler != nil {
				s.wlHandler.Rotate()
			}
			s.logger.Debug("dedup filters rotated")
		}
	}
}

// gaugeLoop mirrors the operational snapshot into the Prometheus gauges.
func (s *Server) gaugeLoop(ctx context.Context) error {
	ticker := time.NewTicker(gaugeRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := s.core.Snapshot()
			s.metrics.SetSessionsActive(snap.Active)
			s.metrics.SetDedupTracked(snap.DedupSize)
			s.metrics.SetCircuitState(string(snap.Circuit.State))
		}
	}
}

// Reload applies the dynamically tunable parts of a new configuration: the
// outbound rate limits. Everything else (tokens, endpoints, store paths)
// needs a restart; changes there are logged and ignored.
func (s *Server) Reload(newCfg *config.Config) error {
	if newCfg.BackendRate.PerSecond != s.cfg.BackendRate.PerSecond {
		s.backendLimiter.SetRate(newCfg.BackendRate.PerSecond)
		s.logger.Info("backend rate limit updated", "per_second", newCfg.BackendRate.PerSecond)
	}
	if newCfg.DiscordRate.PerSecond != s.cfg.DiscordRate.PerSecond {
		s.discordLimiter.SetRate(newCfg.DiscordRate.PerSecond)
		s.logger.Info("discord rate limit updated", "per_second", newCfg.DiscordRate.PerSecond)
	}

	if newCfg.Discord.Token != s.cfg.Discord.Token {
		s.logger.Warn("discord token changed, restart required to apply")
	}
	if newCfg.Backend != s.cfg.Backend {
		s.logger.Warn("backend settings changed, restart required to apply")
	}

	s.cfg = newCfg
	return nil
}

// shutdown drains in this order: stop taking readiness traffic, close the
// Discord gateway so no new work arrives, wait out in-flight backend
// deliveries up to the grace budget, then stop the admin listener last so
// health and metrics stay observable through the drain.
func (s *Server) shutdown() error {
	s.health.SetNotReady()

	grace, _ := config.ParseDuration(s.cfg.ShutdownGrace, 5*time.Second)
	deadline := time.Now().Add(grace)

	if err := s.bridge.Stop(); err != nil {
		s.logger.Error("discord gateway close error", "error", err)
	}

	s.drainInFlight(deadline)

	shutCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.adminServer.Shutdown(shutCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	s.client.CloseIdleConnections()
	if s.wlStore != nil {
		s.wlStore.Close()
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// drainInFlight polls the in-flight delivery counter until it reaches zero or
// the deadline passes. Abandoned deliveries are logged, not interrupted; their
// goroutines die with the process.
func (s *Server) drainInFlight(deadline time.Time) {
	if s.pipeline.InFlight() == 0 {
		return
	}
	s.logger.Info("waiting for in-flight deliveries", "count", s.pipeline.InFlight())

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		<-ticker.C
		if s.pipeline.InFlight() == 0 {
			return
		}
	}
	s.logger.Warn("grace period expired, abandoning in-flight deliveries",
		"count", s.pipeline.InFlight())
}
