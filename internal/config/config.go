package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
)

type Config struct {
	API       APIConfig
	Store     StoreConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Webhook   WebhookConfig
	RateLimit RateLimitConfig
	Tracing   TracingConfig
}

type APIConfig struct {
	Addr        string
	CORSOrigins []string
}

type StoreConfig struct {
	Backend          string
	DataDir          string
	LockTimeout      time.Duration
	LockStaleAfter   time.Duration
	LockPollInterval time.Duration
	ListConcurrency  int
}

type QueueConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency int
	MaxAttempts int
	MetricsAddr string
}

type StorageConfig struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	ArtifactURLTTL time.Duration
}

type WebhookConfig struct {
	URL           string
	SigningSecret string
	MaxAttempts   int
}

type RateLimitConfig struct {
	Enabled    bool
	Capacity   int
	Window     time.Duration
	UserHeader string
}

type TracingConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}
	return fromEnv(), nil
}

func fromEnv() Config {
	return Config{
		API: APIConfig{
			Addr:        env("SCENEJOBS_API_ADDR", ":8080"),
			CORSOrigins: envList("CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		},
		Store: StoreConfig{
			Backend:          strings.ToLower(env("JOB_STORE_BACKEND", "file")),
			DataDir:          env("JOB_DATA_DIR", "./data/job"),
			LockTimeout:      envDuration("JOB_LOCK_TIMEOUT", 10*time.Second),
			LockStaleAfter:   envDuration("JOB_LOCK_STALE_AFTER", 2*time.Minute),
			LockPollInterval: envDuration("JOB_LOCK_POLL_INTERVAL", 50*time.Millisecond),
			ListConcurrency:  envInt("JOB_LIST_CONCURRENCY", 8),
		},
		Queue: QueueConfig{
			Enabled:       envBool("QUEUE_ENABLED", true),
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
		},
		Worker: WorkerConfig{
			Concurrency: envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxAttempts: envInt("WORKER_MAX_ATTEMPTS", 5),
			MetricsAddr: env("WORKER_METRICS_ADDR", ":9091"),
		},
		Storage: StorageConfig{
			Endpoint:       env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey:      env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey:      env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:         env("MINIO_BUCKET", "scenejobs-renders"),
			UseSSL:         envBool("MINIO_USE_SSL", false),
			ArtifactURLTTL: envDuration("ARTIFACT_URL_TTL", 24*time.Hour),
		},
		Webhook: WebhookConfig{
			URL:           env("WEBHOOK_URL", ""),
			SigningSecret: env("WEBHOOK_SIGNING_SECRET", ""),
			MaxAttempts:   envInt("WEBHOOK_MAX_ATTEMPTS", 3),
		},
		RateLimit: RateLimitConfig{
			Enabled:    envBool("RATE_LIMIT_ENABLED", false),
			Capacity:   envInt("RATE_LIMIT_CAPACITY", 30),
			Window:     envDuration("RATE_LIMIT_WINDOW", time.Minute),
			UserHeader: env("RATE_LIMIT_USER_HEADER", "X-User-ID"),
		},
		Tracing: TracingConfig{
			Exporter:     env("OTEL_TRACES_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		},
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envList(key string, fallback []string) []string {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
