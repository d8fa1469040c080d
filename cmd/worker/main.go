package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dunamismax/scenejobs/internal/config"
	"github.com/dunamismax/scenejobs/internal/filelock"
	"github.com/dunamismax/scenejobs/internal/storage"
	"github.com/dunamismax/scenejobs/internal/store"
	"github.com/dunamismax/scenejobs/internal/telemetry"
	"github.com/dunamismax/scenejobs/internal/webhook"
	"github.com/dunamismax/scenejobs/internal/worker"
)

func main() {
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  telemetry.ServiceWorker,
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

	// The worker shares job records with the API through the data directory.
	jobStore, err := store.NewFileJobStore(store.FileConfig{
		Dir:              cfg.Store.DataDir,
		LockTimeout:      cfg.Store.LockTimeout,
		LockPollInterval: cfg.Store.LockPollInterval,
		LockStaleAfter:   cfg.Store.LockStaleAfter,
		ListConcurrency:  cfg.Store.ListConcurrency,
	}, logger, filelock.NewMetrics(registry))
	if err != nil {
		logger.Fatalf("open job store: %v", err)
	}

	storageClient, err := storage.NewClient(storage.Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Fatalf("create storage client: %v", err)
	}
	bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := storageClient.EnsureBucket(bucketCtx); err != nil {
		logger.Printf("ensure bucket failed bucket=%s err=%v", storageClient.Bucket(), err)
	}
	cancel()

	processor := worker.NewProcessor(logger, jobStore, storageClient, worker.ProcessorOptions{
		Webhook: webhook.NewClient(webhook.Config{
			SigningSecret: cfg.Webhook.SigningSecret,
			MaxAttempts:   cfg.Webhook.MaxAttempts,
		}),
		WebhookURL:     cfg.Webhook.URL,
		ArtifactURLTTL: cfg.Storage.ArtifactURLTTL,
		Metrics:        worker.NewMetrics(registry),
	})

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("metrics listening on %s", cfg.Worker.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server failed: %v", err)
		}
	}()
	defer metricsServer.Close()

	logger.Printf(
		"starting worker concurrency=%d max_attempts=%d queue=%s redis=%s bucket=%s",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxAttempts,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
		cfg.Storage.Bucket,
	)

	srv := worker.NewServer(logger, cfg.Queue, cfg.Worker, processor)
	if err := srv.Run(); err != nil {
		logger.Fatalf("worker failed: %v", err)
	}
}
