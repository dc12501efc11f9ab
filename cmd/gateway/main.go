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

	"github.com/tourvista/adboard/internal/api"
	"github.com/tourvista/adboard/internal/circuitbreaker"
	"github.com/tourvista/adboard/internal/clock"
	"github.com/tourvista/adboard/internal/config"
	"github.com/tourvista/adboard/internal/db"
	"github.com/tourvista/adboard/internal/lease"
	"github.com/tourvista/adboard/internal/metrics"
	"github.com/tourvista/adboard/internal/notify"
	"github.com/tourvista/adboard/internal/observ"
	"github.com/tourvista/adboard/internal/redis"
	"github.com/tourvista/adboard/internal/slots"
	"github.com/tourvista/adboard/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting adboard gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Int("slot_count", cfg.SlotCount),
		zap.String("reference_tz", cfg.ReferenceTZ),
	)

	refClock, err := clock.NewReference(cfg.ReferenceTZ)
	if err != nil {
		return fmt.Errorf("failed to load reference timezone: %w", err)
	}

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

	repo := db.NewRepository(database, logger)

	// Redis backs rate limiting and claim idempotency. Both degrade to
	// disabled when Redis is unreachable.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, rate limiting and idempotency disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,
			Window: 1 * time.Minute,
		})
		defer redisClient.Close()
	}

	leaseService := lease.NewService(repo, refClock, logger)
	slotPool := slots.NewPool(repo, leaseService, refClock, cfg.SlotCount, logger)
	alertQueue := notify.NewQueue(repo, refClock, logger)

	sender, err := buildSender(ctx, cfg, logger)
	if err != nil {
		return err
	}
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(cfg.NotifyTransport), refClock, logger)
	protected := circuitbreaker.NewProtectedSender(sender, breaker)

	reconciler := worker.NewReconciler(slotPool, alertQueue, protected, worker.Config{
		DispatchBatchSize: cfg.DispatchBatchSize,
		SubBatchSize:      cfg.DispatchSubBatch,
		SubBatchDelay:     cfg.SubBatchDelay,
		SendTimeout:       cfg.SendTimeout,
	}, logger)

	scheduler := worker.NewScheduler(reconciler, cfg.ReconcileInterval, refClock, logger)

	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()
	go scheduler.Start(schedCtx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

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

	handler := api.NewHandler(logger, leaseService, slotPool, alertQueue, scheduler, idempotencyService)
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.UserOrIPKeyFunc))
		handler.Routes(r)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("DB DOWN"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		schedCancel()

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

// buildSender picks the outbound transport from config. The log transport is
// the development default; SES and SNS are for real deployments.
func buildSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (worker.Sender, error) {
	switch cfg.NotifyTransport {
	case "ses":
		sender, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES sender: %w", err)
		}
		return sender, nil

	case "sns":
		sender, err := worker.NewTopicSender(ctx, worker.TopicConfig{
			Region:   cfg.AWSRegion,
			TopicARN: cfg.SNSTopicARN,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SNS sender: %w", err)
		}
		return sender, nil

	default:
		return worker.NewLogSender(logger), nil
	}
}
