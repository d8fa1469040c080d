package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dunamismax/scenejobs/internal/api"
	"github.com/dunamismax/scenejobs/internal/config"
	"github.com/dunamismax/scenejobs/internal/filelock"
	"github.com/dunamismax/scenejobs/internal/queue"
	"github.com/dunamismax/scenejobs/internal/ratelimit"
	"github.com/dunamismax/scenejobs/internal/store"
	"github.com/dunamismax/scenejobs/internal/telemetry"
)

func main() {
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  telemetry.ServiceAPI,
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatalf("setup tracing: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	jobStore, err := store.Open(cfg.Store.Backend, store.FileConfig{
		Dir:              cfg.Store.DataDir,
		LockTimeout:      cfg.Store.LockTimeout,
		LockPollInterval: cfg.Store.LockPollInterval,
		LockStaleAfter:   cfg.Store.LockStaleAfter,
		ListConcurrency:  cfg.Store.ListConcurrency,
	}, logger, filelock.NewMetrics(registry))
	if err != nil {
		logger.Fatalf("open job store: %v", err)
	}
	logger.Printf("job store backend=%s data_dir=%s", cfg.Store.Backend, cfg.Store.DataDir)

	opts := api.Options{
		RateLimitUserHeader: cfg.RateLimit.UserHeader,
		CORSOrigins:         cfg.API.CORSOrigins,
		Registry:            registry,
		Tracer:              telemetry.Tracer("scenejobs/api"),
	}

	if cfg.Queue.Enabled {
		queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Worker.MaxAttempts)
		defer func() {
			if err := queueClient.Close(); err != nil {
				logger.Printf("queue client close error: %v", err)
			}
		}()
		opts.QueueClient = queueClient
	}

	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()

		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, ratelimit.Config{
			Capacity: cfg.RateLimit.Capacity,
			Window:   cfg.RateLimit.Window,
		})
		if err != nil {
			logger.Fatalf("configure rate limiter: %v", err)
		}
		opts.RateLimiter = limiter
	}

	app := api.NewServer(logger, jobStore, opts)
	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		logger.Println("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Printf("server stopped: %v", err)
	}
}
