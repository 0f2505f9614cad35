package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/vflow/videogate/internal/bgexec"
	"github.com/vflow/videogate/internal/config"
	"github.com/vflow/videogate/internal/imquery"
	"github.com/vflow/videogate/internal/kv"
	"github.com/vflow/videogate/internal/lock"
	"github.com/vflow/videogate/internal/logging"
	"github.com/vflow/videogate/internal/orchestrator"
	"github.com/vflow/videogate/internal/origin"
	"github.com/vflow/videogate/internal/pipeline"
	"github.com/vflow/videogate/internal/retry"
	"github.com/vflow/videogate/internal/transform"
	"github.com/vflow/videogate/internal/version"
)

func main() {
	// Self-contained healthcheck for scratch containers (no curl/wget available).
	// Usage: videogate -healthcheck
	if len(os.Args) > 1 && os.Args[1] == "-healthcheck" {
		resp, err := http.Get("http://127.0.0.1:8080/healthz")
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	config.Publish(cfg)

	logging.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to create store", "backend", cfg.StorageBackend, "error", err)
		os.Exit(1)
	}
	if err := store.Init(ctx); err != nil {
		slog.Error("failed to initialise store", "backend", cfg.StorageBackend, "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	var versions version.Store = version.NewRedisStore(redisClient, "videogate:version")

	engine := kv.NewEngine(store, lock.NewManager())

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config for origin presigning", "error", err)
		os.Exit(1)
	}
	presigner := origin.NewS3Presigner(s3.NewFromConfig(awsCfg), cfg.S3Bucket)

	fetcher := origin.NewFetcher(&origin.DefaultSigner{Presigner: presigner})
	txClient := transform.NewClient(cfg.UpstreamBaseURL, &http.Client{Timeout: cfg.RequestTimeout})
	coordinator := retry.NewCoordinator(fetcher, txClient)
	orch := orchestrator.New(engine, versions, coordinator)

	executor := bgexec.New(context.Background())

	handler := &pipeline.Handler{
		Config:       config.Current,
		Orchestrator: orch,
		IMQuery:      imquery.NewResolver(4096),
		Executor:     executor,
		Health:       &healthChecker{store: store, redis: redisClient},
		AdminEnabled: cfg.AdminListEnabled,
	}

	h2s := &http2.Server{}
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h2c.NewHandler(logging.Middleware(handler), h2s),
	}

	go func() {
		slog.Info("starting server", "addr", cfg.ListenAddr, "backend", cfg.StorageBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	// Drain any in-flight background stores (spec §4.11 step 4) before
	// exiting, so a shutdown never silently drops a scheduled write.
	if err := executor.Wait(); err != nil {
		slog.Warn("background executor drain reported an error", "error", err)
	}
	slog.Info("shutdown complete")
}

func newStore(ctx context.Context, cfg *config.Config) (kv.RawStore, error) {
	switch cfg.StorageBackend {
	case "s3":
		return kv.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3ForcePathStyle, 0)
	case "fs":
		return kv.NewFSStore(cfg.FSRoot), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.StorageBackend)
	}
}

type healthChecker struct {
	store kv.RawStore
	redis *redis.Client
}

func (h *healthChecker) CheckKV(ctx context.Context) error {
	_, _, err := h.store.Get(ctx, "__healthz__", kv.GetOptions{})
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	return err
}

func (h *healthChecker) CheckVersionStore(ctx context.Context) error {
	return h.redis.Ping(ctx).Err()
}
