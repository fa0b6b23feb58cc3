package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/velora/herald/internal/api"
	"github.com/velora/herald/internal/circuitbreaker"
	"github.com/velora/herald/internal/config"
	"github.com/velora/herald/internal/db"
	"github.com/velora/herald/internal/dispatch"
	"github.com/velora/herald/internal/engine"
	"github.com/velora/herald/internal/fanout"
	"github.com/velora/herald/internal/metrics"
	"github.com/velora/herald/internal/observ"
	"github.com/velora/herald/internal/policy"
	"github.com/velora/herald/internal/provider"
	"github.com/velora/herald/internal/redis"
	"github.com/velora/herald/internal/retry"
	"github.com/velora/herald/internal/template"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald engine",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.String("database", cfg.DBName),
	)

	repo := db.NewRepository(database, logger)

	// Redis backs Submit idempotency, delivery rate limits, and the
	// cross-instance fanout bridge. The engine degrades rather than fails
	// when it is unavailable.
	redisClient, err := redis.New(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled", zap.Error(err))
		redisClient = nil
	}

	var idempotencyService *redis.IdempotencyService
	var apiLimiter *redis.RateLimiter
	var deliveryLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		apiLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.APIRateLimit,
			Window: cfg.APIRateWindow,
		})
		deliveryLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{})
		defer redisClient.Close()
	}

	// Fanout: local hub plus the redis bridge for multi-instance fanout.
	hub := fanout.NewHub(logger)
	bridge := fanout.NewBridge(hub, redisClient, logger)

	bridgeCtx, bridgeCancel := context.WithCancel(context.Background())
	defer bridgeCancel()
	go bridge.Start(bridgeCtx)

	// Channel providers. In-app and webhook always work; the AWS-backed
	// channels degrade to absent when their clients cannot be built, and
	// dispatch fails those channels with no_provider.
	providers := []provider.Provider{
		provider.NewInApp(logger),
		provider.NewWebhook(provider.WebhookConfig{Timeout: cfg.WebhookTimeout}, logger),
	}

	if ses, err := provider.NewSES(ctx, provider.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger); err != nil {
		logger.Warn("SES unavailable, email channel disabled", zap.Error(err))
	} else {
		providers = append(providers, ses)
	}

	if sms, err := provider.NewSNSSMS(ctx, provider.SNSConfig{Region: cfg.SNSRegion}, logger); err != nil {
		logger.Warn("SNS unavailable, sms channel disabled", zap.Error(err))
	} else {
		providers = append(providers, sms)
	}

	if push, err := provider.NewSNSPush(ctx, provider.SNSConfig{Region: cfg.SNSRegion}, logger); err != nil {
		logger.Warn("SNS unavailable, push channel disabled", zap.Error(err))
	} else {
		providers = append(providers, push)
	}

	// Wrap every provider in a circuit breaker so a failing downstream
	// fast-fails instead of tying up dispatch workers.
	protected := make([]provider.Provider, 0, len(providers))
	for _, p := range providers {
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(p.Name()), logger)
		protected = append(protected, provider.Protect(p, breaker, logger))
	}
	registry := provider.NewRegistry(protected...)

	logger.Info("channel providers initialized",
		zap.Strings("channels", registry.Channels()),
	)

	// Core pipeline: policy -> engine -> dispatch -> retry.
	renderer := template.NewRenderer(repo, logger)
	evaluator := policy.NewEvaluator(repo, deliveryLimiter, logger)

	dispatcher := dispatch.New(repo, renderer, registry, bridge, dispatch.Config{
		Workers:         cfg.DispatchWorkers,
		ProviderTimeout: cfg.ProviderTimeout,
	}, logger)
	defer dispatcher.Close()

	coordinator := retry.NewCoordinator(repo, retry.Config{
		BaseDelay: cfg.RetryBaseDelay,
		MaxDelay:  cfg.RetryMaxDelay,
	}, logger)
	dispatcher.SetRetryScheduler(coordinator)

	scheduler := retry.NewScheduler(repo, dispatcher, retry.SchedulerConfig{
		PollInterval: cfg.RetryPollInterval,
		BatchSize:    cfg.RetryBatchSize,
	}, logger)

	schedulerCtx, schedulerCancel := context.WithCancel(context.Background())
	defer schedulerCancel()
	go scheduler.Run(schedulerCtx)

	eng := engine.New(repo, evaluator, renderer, dispatcher, bridge, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, repo, eng, coordinator, bridge, hub, idempotencyService)

	r.Route("/v1", func(r chi.Router) {
		// The stream endpoint holds connections open, so the request
		// timeout only applies to the plain API routes.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(api.RateLimitMiddleware(apiLimiter, logger, api.OrgKeyFunc))

			r.Post("/notifications", handler.SubmitNotification)
			r.Get("/notifications", handler.ListNotifications)
			r.Get("/notifications/unread-count", handler.UnreadCount)
			r.Get("/notifications/{id}", handler.GetNotification)
			r.Post("/notifications/{id}/read", handler.MarkRead)
			r.Delete("/notifications/{id}", handler.DeleteNotification)

			r.Post("/deliveries/retry", handler.RetryDeliveryBatch)
			r.Post("/deliveries/{id}/click", handler.ClickDelivery)
			r.Post("/deliveries/{id}/retry", handler.RetryDelivery)

			r.Get("/preferences", handler.GetPreference)
			r.Put("/preferences", handler.PutPreference)

			r.Get("/rules", handler.ListRules)
			r.Post("/rules", handler.SaveRule)
			r.Get("/rules/{id}", handler.GetRule)
			r.Put("/rules/{id}", handler.SaveRule)
			r.Delete("/rules/{id}", handler.DeleteRule)
		})

		r.Get("/stream", handler.Stream)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop the retry scheduler first so no new dispatches start, then
		// drain the HTTP server and in-flight dispatch tasks.
		schedulerCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
