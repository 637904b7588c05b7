package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sitegrade/sitegrade/internal/analyzer"
	"github.com/sitegrade/sitegrade/internal/api"
	"github.com/sitegrade/sitegrade/internal/clock/system"
	"github.com/sitegrade/sitegrade/internal/config"
	"github.com/sitegrade/sitegrade/internal/credentials"
	"github.com/sitegrade/sitegrade/internal/events"
	"github.com/sitegrade/sitegrade/internal/events/sinks"
	"github.com/sitegrade/sitegrade/internal/id/uuid"
	"github.com/sitegrade/sitegrade/internal/logging"
	"github.com/sitegrade/sitegrade/internal/orchestrator"
	"github.com/sitegrade/sitegrade/internal/ratelimit"
	"github.com/sitegrade/sitegrade/internal/retry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the analysis service",
		Long: `Starts the HTTP API, the job orchestrator, the external-service
rate limiter, and the credential rotation manager, then blocks until
interrupted.`,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	ids := uuid.NewGenerator()

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register event sink: %w", err)
	}
	hub := events.NewHub(events.Config{Logger: logger}, sinks.NewLogSink(logger), promSink)

	limiter := ratelimit.New(ratelimit.Config{
		Name:                "external",
		RequestsPerInterval: cfg.RateLimit.RequestsPerInterval,
		Interval:            cfg.RateInterval(),
		MaxConcurrent:       cfg.RateLimit.MaxConcurrent,
		BurstAllowance:      cfg.RateLimit.BurstAllowance,
		Logger:              logger,
	})
	defer limiter.Close()

	pools := make(map[string]credentials.PoolConfig, len(cfg.Credentials))
	for service, keys := range cfg.Credentials {
		pools[service] = credentials.PoolConfig{
			Keys:             keys.Keys,
			RotationInterval: time.Duration(keys.RotationIntervalMs) * time.Millisecond,
			MaxFailures:      keys.MaxFailures,
		}
	}
	creds := credentials.NewManager(pools, logger)
	defer creds.Close()

	fetcher := analyzer.NewFetcher(analyzer.FetchConfig{
		Timeout:   cfg.AnalysisTimeout(),
		HostRPS:   cfg.Analysis.HostRPS,
		UserAgent: cfg.Analysis.UserAgent,
	})

	var scorer *analyzer.ScoreClient
	if cfg.Scoring.Endpoint != "" {
		breaker := retry.NewBreaker(
			cfg.Scoring.BreakerFailures,
			time.Duration(cfg.Scoring.BreakerCooldownSeconds)*time.Second,
		)
		scorer = analyzer.NewScoreClient(analyzer.ScoreClientConfig{
			Endpoint:    cfg.Scoring.Endpoint,
			Service:     cfg.Scoring.Service,
			MaxAttempts: cfg.Analysis.RetryAttempts,
			BaseDelay:   cfg.RetryDelay(),
			Timeout:     time.Duration(cfg.Scoring.TimeoutSeconds) * time.Second,
			Logger:      logger,
		}, limiter, creds, breaker)
	}

	svc := analyzer.NewService(analyzer.ServiceConfig{
		LinkCheckLimit: cfg.Analysis.LinkCheckLimit,
		Logger:         logger,
	}, fetcher, scorer, limiter, clock)

	orch := orchestrator.New(orchestrator.Config{
		MaxConcurrentJobs: cfg.Analysis.MaxConcurrent,
		AnalysisTimeout:   cfg.AnalysisTimeout(),
		Retention:         time.Duration(cfg.Analysis.RetentionMinutes) * time.Minute,
		CleanupInterval:   time.Duration(cfg.Analysis.CleanupMinutes) * time.Minute,
	}, svc, clock, ids, hub, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(orch, limiter, creds, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := orch.Close(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn("event hub shutdown", zap.Error(err))
	}
	return nil
}
