package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"framerelay/internal/core/ports"
	"framerelay/internal/core/services"
	httphandlers "framerelay/internal/handlers/http"
	"framerelay/internal/infrastructure/analysis"
	"framerelay/internal/infrastructure/monitoring"
	"framerelay/internal/infrastructure/repositories"
	signalserver "framerelay/internal/infrastructure/signal"
	"framerelay/pkg/circuitbreaker"
	"framerelay/pkg/config"
	"framerelay/pkg/logger"
	"framerelay/pkg/tracing"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	healthCheckInterval = 30 * time.Second
	healthCheckTimeout  = 2 * time.Second
)

func run(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Warnw("tracing disabled", "error", err)
		tp, _ = tracing.Init(tracing.Config{})
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}
	defer repoFactory.Close()

	membership, err := repoFactory.CreateMembershipRepository(ctx)
	if err != nil {
		return err
	}

	var metrics ports.Metrics = services.NopMetrics{}
	var metricsHandler http.Handler
	if cfg.Monitoring.PrometheusEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = monitoring.NewPrometheusCollector(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// The websocket server is the sink for every outbound event, so it is
	// built first and handed the relay and bridge once they exist.
	registry := services.NewConnectionRegistry()
	wsServer := signalserver.NewWebSocketServer(registry, metrics, signalserver.ConfigFrom(cfg), log)
	directory := services.NewRoomDirectory(membership, registry, wsServer, metrics, log)
	relay := services.NewNegotiationRelay(directory, metrics, log)

	analyzer := analysis.NewClient(analysis.Config{
		URL:     cfg.Analysis.URL,
		Timeout: cfg.Analysis.Timeout,
		Breaker: circuitbreaker.Config{
			FailureThreshold:    cfg.Analysis.CircuitBreaker.FailureThreshold,
			SuccessThreshold:    cfg.Analysis.CircuitBreaker.SuccessThreshold,
			Timeout:             cfg.Analysis.CircuitBreaker.OpenTimeout,
			MaxRequestsHalfOpen: 1,
		},
	}, log)
	bridge := services.NewAnalysisBridge(analyzer, registry, wsServer, metrics, log, services.AnalysisBridgeConfig{
		Timeout:     cfg.Analysis.Timeout,
		MaxInFlight: cfg.Analysis.MaxInFlight,
	})
	wsServer.SetHandlers(relay, bridge)

	checker := monitoring.NewHealthChecker(log)
	checker.AddStorageCheck(repoFactory, healthCheckInterval, healthCheckTimeout)
	checker.AddAnalysisCheck(analyzer, healthCheckInterval, healthCheckTimeout)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httphandlers.NewRouter(httphandlers.RouterDeps{
		Config:    cfg,
		WebSocket: http.HandlerFunc(wsServer.HandleWebSocket),
		Directory: directory,
		Health:    checker,
		Metrics:   metricsHandler,
		Logger:    log,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	checker.StartBackgroundChecks(gctx)

	g.Go(func() error {
		log.Infow("starting framerelay",
			"address", cfg.Server.Address,
			"analysis_url", cfg.Analysis.URL,
			"analysis_timeout", cfg.Analysis.Timeout,
			"storage", repoFactory.Backend(),
			"static_dir", cfg.Server.StaticDir,
			"max_message_size", humanize.IBytes(uint64(cfg.Signal.MaxMessageSize)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down framerelay")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during server shutdown", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Errorw("error force closing server", "error", closeErr)
			}
		}
		// Shutdown does not track hijacked websocket connections.
		if err := wsServer.Close(shutdownCtx); err != nil {
			log.Warnw("websocket connections did not close in time", "error", err)
		}
		if err := bridge.Wait(shutdownCtx); err != nil {
			log.Warnw("analysis calls still in flight at shutdown", "error", err)
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("failed to flush traces", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("framerelay stopped")
	return nil
}
