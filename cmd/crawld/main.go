// Package main wires together the crawld service daemon.
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

	pubsub "cloud.google.com/go/pubsub/v2"
	gcsclient "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scrag-io/crawld/internal/api"
	"github.com/scrag-io/crawld/internal/clock/system"
	"github.com/scrag-io/crawld/internal/config"
	"github.com/scrag-io/crawld/internal/crawl"
	"github.com/scrag-io/crawld/internal/dedup"
	collyfetcher "github.com/scrag-io/crawld/internal/fetcher/colly"
	"github.com/scrag-io/crawld/internal/hash/sha256"
	"github.com/scrag-io/crawld/internal/id/uuid"
	"github.com/scrag-io/crawld/internal/logging"
	"github.com/scrag-io/crawld/internal/manager"
	"github.com/scrag-io/crawld/internal/metrics"
	"github.com/scrag-io/crawld/internal/processor/text"
	"github.com/scrag-io/crawld/internal/progress"
	"github.com/scrag-io/crawld/internal/progress/sinks"
	memorypublisher "github.com/scrag-io/crawld/internal/publisher/memory"
	pubsubpublisher "github.com/scrag-io/crawld/internal/publisher/pubsub"
	"github.com/scrag-io/crawld/internal/storage/gcs"
	"github.com/scrag-io/crawld/internal/storage/local"
	memorystorage "github.com/scrag-io/crawld/internal/storage/memory"
	"github.com/scrag-io/crawld/internal/storage/postgres"
	"github.com/scrag-io/crawld/internal/telemetry"
	"github.com/scrag-io/crawld/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	if _, _, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		ProjectID:   cfg.Telemetry.ProjectID,
		Region:      cfg.Telemetry.Region,
	}); err != nil {
		logger.Warn("telemetry init failed", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	var (
		jobStore  crawl.JobStore
		jobLister api.JobLister
	)
	if cfg.Database.DSN != "" {
		pgStore, err := postgres.NewJobStore(ctx, postgres.JobStoreConfig{
			DSN:             cfg.Database.DSN,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			logger.Fatal("job store init failed", zap.Error(err))
		}
		defer pgStore.Close()
		jobStore, jobLister = pgStore, pgStore
		logger.Info("job store ready", zap.String("backend", "postgres"))
	} else {
		memStore := memorystorage.NewJobStore()
		jobStore, jobLister = memStore, memStore
		logger.Info("job store ready", zap.String("backend", "memory"))
	}

	blobStore, closeBlobs, err := buildBlobStore(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}
	defer closeBlobs()
	logger.Info("blob store ready", zap.String("backend", cfg.Storage.Backend))

	index, closeIndex := buildIndex(cfg.Redis)
	defer closeIndex()

	completions, closePublisher, err := buildPublisher(ctx, cfg.PubSub)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}
	defer closePublisher()

	hasher := sha256.New()
	clock := system.New()
	idGen := uuid.New()

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetcher.UserAgent,
		RespectRobots: cfg.Fetcher.RespectRobots,
		Timeout:       cfg.Fetcher.Timeout,
	})
	pool := worker.New(
		fetcher,
		text.New(hasher),
		hasher,
		blobStore,
		clock,
		worker.Config{
			Size:        cfg.Worker.Size,
			QueueDepth:  cfg.Worker.QueueDepth,
			ContentType: cfg.Storage.ContentType,
			BlobPrefix:  cfg.Storage.Prefix,
		},
		logger.Named("worker"),
	)
	pool.Start(ctx)

	var sinkList []progress.Sink
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		logger.Warn("progress metrics sink init failed", zap.Error(err))
	} else {
		sinkList = append(sinkList, promSink)
	}
	if cfg.Progress.LogEvents {
		sinkList = append(sinkList, sinks.NewLogSink(logger))
	}
	hub := progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		Logger:         logger.Named("progress"),
	}, sinkList...)

	mgr, err := manager.New(manager.Deps{
		Jobs:      jobStore,
		Pool:      pool,
		Index:     index,
		Publisher: completions,
		Events:    hub,
		Clock:     clock,
		IDs:       idGen,
	}, manager.Config{
		CompletionTopic: cfg.PubSub.CompletionTopic,
		PersistAttempts: cfg.Manager.PersistAttempts,
		PersistBackoff:  cfg.Manager.PersistBackoff,
		JobDefaults:     cfg.JobDefaults(),
		Blocklist:       crawl.NewBlocklist(cfg.Crawl.BlockedDomains),
	}, logger.Named("manager"))
	if err != nil {
		logger.Fatal("manager init failed", zap.Error(err))
	}

	apiCfg := api.Config{RequestTimeout: cfg.Server.RequestTimeout}
	if cfg.Auth.Enabled {
		apiCfg.APIKey = cfg.Auth.APIKey
	}
	apiServer := api.NewServer(mgr, jobLister, apiCfg, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	mgr.Close()
	pool.Wait()
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn("progress hub close error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// buildBlobStore selects the artifact backend. The returned func releases
// any backing client.
func buildBlobStore(ctx context.Context, cfg config.StorageConfig) (crawl.BlobStore, func(), error) {
	switch cfg.Backend {
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			client.Close() //nolint:errcheck // already failing
			return nil, nil, err
		}
		return store, func() { client.Close() }, nil //nolint:errcheck // best-effort close
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	default:
		return memorystorage.NewBlobStore(), func() {}, nil
	}
}

// buildIndex selects the cross-job fingerprint index: Redis when an address
// is configured, otherwise process-local memory.
func buildIndex(cfg config.RedisConfig) (dedup.Index, func()) {
	if cfg.Addr == "" {
		return dedup.NewMemoryIndex(), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return dedup.NewRedisIndex(client, cfg.KeyPrefix, cfg.TTL), func() {
		client.Close() //nolint:errcheck // best-effort close
	}
}

// buildPublisher selects the completion publisher: Pub/Sub when a project is
// configured, otherwise an in-memory recorder useful for local runs.
func buildPublisher(ctx context.Context, cfg config.PubSubConfig) (crawl.Publisher, func(), error) {
	if cfg.ProjectID == "" {
		return memorypublisher.New(), func() {}, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client)
	return pub, func() {
		pub.Close()
		client.Close() //nolint:errcheck // best-effort close
	}, nil
}
