// Package main is the entry point for the beneficiary registration portal.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/portal/internal/backend"
	"github.com/pitabwire/portal/internal/capability"
	"github.com/pitabwire/portal/internal/config"
	"github.com/pitabwire/portal/internal/definition"
	"github.com/pitabwire/portal/internal/draft"
	"github.com/pitabwire/portal/internal/observability"
	"github.com/pitabwire/portal/internal/submission"
	"github.com/pitabwire/portal/internal/transport"
	"github.com/pitabwire/portal/internal/validation"
	"github.com/pitabwire/portal/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "beneficiary-portal", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load the step catalogue.
	steps := definition.MustDefault()
	metrics.SetStepsLoaded(float64(steps.TotalSteps()))

	// Step 5: Initialize capability resolver.
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		logger.Error("capability policy load failed", zap.Error(err))
		return 1
	}
	capResolver := capability.NewResolver(evaluator, cfg.Capability.Cache.TTL,
		capability.WithMaxEntries(cfg.Capability.Cache.MaxEntries),
		capability.WithCacheRecorder(metrics),
	)

	// Step 6: Open backends.
	pools := backend.NewPoolCache()
	defer pools.Close()

	store, storeCloser, err := backend.OpenDraftStore(ctx, cfg.Draft, pools, logger)
	if err != nil {
		logger.Error("draft store initialization failed", zap.Error(err))
		return 1
	}
	defer storeCloser()

	service, err := backend.OpenSubmissionService(ctx, cfg.Submission, pools, logger)
	if err != nil {
		logger.Error("submission service initialization failed", zap.Error(err))
		return 1
	}

	publisher, publisherCloser, err := backend.OpenPublisher(ctx, cfg.Events, logger)
	if err != nil {
		logger.Error("event publisher initialization failed", zap.Error(err))
		return 1
	}
	defer publisherCloser()

	// Step 7: Build the workflow sessions.
	gate := validation.NewGate()
	finalizer := submission.NewFinalizer(steps, service,
		submission.WithPublisher(publisher),
		submission.WithLogger(logger),
		submission.WithRecorder(metrics),
	)
	sessions := workflow.NewSessions(func(ownerID string) *workflow.Controller {
		return workflow.NewController(ownerID, workflow.Deps{
			Steps: steps,
			Gate:  gate,
			Drafts: draft.NewSynchronizer(store,
				draft.WithDebounce(cfg.Draft.Debounce),
				draft.WithLogger(logger),
				draft.WithRecorder(metrics),
			),
			Finalizer:   finalizer,
			Submissions: service,
			Logger:      logger,
			Recorder:    metrics,
		})
	},
		workflow.WithIdleTTL(cfg.Sessions.IdleTTL),
		workflow.WithSessionLogger(logger),
		workflow.WithSessionRecorder(metrics),
	)

	// Step 8: Build HTTP router.
	var jwks *transport.JWKSClient
	if cfg.Identity.JWKSURL != "" {
		jwks = transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL,
			transport.WithJWKSLogger(logger))
	}
	var hmacSecret []byte
	if cfg.Identity.HMACSecretEnv != "" {
		hmacSecret = []byte(os.Getenv(cfg.Identity.HMACSecretEnv))
		if len(hmacSecret) == 0 {
			logger.Error("HMAC secret environment variable is empty", zap.String("env", cfg.Identity.HMACSecretEnv))
			return 1
		}
	}

	readiness := observability.ReadinessChecks{
		StepsLoaded: func() bool { return steps.TotalSteps() > 0 },
	}
	if hc, ok := store.(observability.HealthChecker); ok {
		readiness.DraftStore = hc
	}
	if hc, ok := service.(observability.HealthChecker); ok {
		readiness.SubmissionService = hc
	}
	if hc, ok := publisher.(observability.HealthChecker); ok {
		readiness.EventPublisher = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks, hmacSecret),
		CapabilityResolver: capResolver,
		Steps:              steps,
		Gate:               gate,
		Drafts:             store,
		Sessions:           sessions,
		Metrics:            metrics,
		MetricsHandler:     observability.Handler(),
		Readiness:          readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 9: Start the server and the idle session janitor.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("draft_driver", cfg.Draft.Driver),
		zap.String("submission_driver", cfg.Submission.Driver),
		zap.String("events_driver", cfg.Events.Driver),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sessions.Run(gctx, cfg.Sessions.JanitorInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		// Graceful shutdown sequence.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg.Server.ShutdownTimeout))
		defer cancel()

		// Stop accepting new connections and drain in-flight requests.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}

		// Flush every live session's pending draft writes.
		sessions.Close(shutdownCtx)

		// Flush telemetry.
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

func shutdownTimeout(d time.Duration) time.Duration {
	if d == 0 {
		return 30 * time.Second
	}
	return d
}
