package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pbateman/ggufserve/api/handlers"
	"github.com/pbateman/ggufserve/config"
	"github.com/pbateman/ggufserve/engine"
	"github.com/pbateman/ggufserve/engine/llamacpp"
	"github.com/pbateman/ggufserve/internal/metrics"
	"github.com/pbateman/ggufserve/internal/server"
	"github.com/pbateman/ggufserve/scheduler"
)

// Server wires the backend, the batching scheduler, and the HTTP transport.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	backend   engine.Backend
	scheduler *scheduler.Scheduler

	httpManager    *server.Manager
	metricsManager *server.Manager

	healthHandler   *handlers.HealthHandler
	generateHandler *handlers.GenerateHandler
	modelsHandler   *handlers.ModelsHandler
	statsHandler    *handlers.StatsHandler

	metricsCollector *metrics.Collector

	rateLimiterCancel context.CancelFunc
}

// NewServer creates an unstarted server from configuration.
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings everything up: metrics, backend and scheduler, then the HTTP
// listeners. The scheduler start blocks until the model backend is healthy.
func (s *Server) Start(ctx context.Context) error {
	s.metricsCollector = metrics.NewCollector("ggufserve", prometheus.DefaultRegisterer, s.logger)

	if err := s.startScheduler(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	s.initHandlers()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.String("addr", s.cfg.Server.Addr),
		zap.String("metrics_addr", s.cfg.Server.MetricsAddr),
	)
	return nil
}

func (s *Server) startScheduler(ctx context.Context) error {
	s.backend = llamacpp.New(llamacpp.Config{
		BaseURL:        s.cfg.Model.BaseURL,
		ModelPath:      s.cfg.Model.Path,
		LoadTimeout:    s.cfg.Model.LoadTimeout,
		RequestTimeout: s.cfg.Model.RequestTimeout,
	}, s.logger)

	s.scheduler = scheduler.New(s.backend, scheduler.Config{
		MaxBatchSize:    s.cfg.Batch.MaxBatchSize,
		BatchTimeout:    s.cfg.Batch.BatchTimeout,
		LivenessTimeout: s.cfg.Batch.LivenessTimeout,
	}, s.logger, scheduler.WithBatchObserver(s.metricsCollector.RecordBatch))

	if err := s.scheduler.Start(ctx); err != nil {
		return err
	}

	s.metricsCollector.RegisterQueueDepth("ggufserve", prometheus.DefaultRegisterer, func() float64 {
		return float64(s.scheduler.Stats().QueueDepth)
	})
	return nil
}

func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewProbeFunc("scheduler", func(ctx context.Context) error {
		if !s.scheduler.IsReady() {
			return fmt.Errorf("scheduler is %s", s.scheduler.State())
		}
		return nil
	}))
	s.healthHandler.RegisterCheck(handlers.NewProbeFunc("backend", func(ctx context.Context) error {
		if !s.backend.Loaded() {
			return fmt.Errorf("model is not loaded")
		}
		return nil
	}))

	s.generateHandler = handlers.NewGenerateHandler(s.scheduler, s.cfg.Generation, s.metricsCollector, s.logger)
	s.modelsHandler = handlers.NewModelsHandler(s.backend, s.logger)
	s.statsHandler = handlers.NewStatsHandler(s.scheduler, s.backend, s.logger)
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("/api/v1/generate", s.generateHandler.HandleGenerate)
	mux.HandleFunc("/api/v1/models", s.modelsHandler.HandleModels)
	mux.HandleFunc("/api/v1/stats", s.statsHandler.HandleStats)

	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)

	serverConfig := server.Config{
		Addr:            s.cfg.Server.Addr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            s.cfg.Server.MetricsAddr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	return s.metricsManager.Start()
}

// WaitForShutdown blocks until a shutdown signal or serve error, then runs
// the full teardown.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops intake first, then the scheduler, so queued requests are
// resolved with a shutdown failure instead of being dropped mid-flight.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")
	ctx := context.Background()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.scheduler != nil {
		if err := s.scheduler.Stop(ctx); err != nil {
			s.logger.Error("scheduler shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}
