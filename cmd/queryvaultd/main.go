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

	"github.com/joho/godotenv"

	"github.com/queryvault/queryvault/internal/buffer"
	"github.com/queryvault/queryvault/internal/config"
	"github.com/queryvault/queryvault/internal/model"
	"github.com/queryvault/queryvault/internal/search"
	"github.com/queryvault/queryvault/internal/server"
	"github.com/queryvault/queryvault/internal/service/embedding"
	"github.com/queryvault/queryvault/internal/storage"
	"github.com/queryvault/queryvault/internal/telemetry"
	"github.com/queryvault/queryvault/internal/workers"
	"github.com/queryvault/queryvault/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := parseLogLevel(os.Getenv("QUERYVAULT_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("queryvault starting", "version", version, "addr", cfg.ListenAddr)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Verify the schema actually landed: a failed extension create (e.g.
	// pgvector or timescaledb missing from the Postgres image) lets the
	// rest of the migration run but leaves core tables absent.
	var schemaOK bool
	if err := db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'query_metrics')`,
	).Scan(&schemaOK); err != nil {
		return fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		return fmt.Errorf("critical table 'query_metrics' does not exist after migration — check that the pgvector and timescaledb extensions are available")
	}

	embedder, err := embedding.Select(embedding.Config{
		Provider:    cfg.EmbeddingProvider,
		OpenAIKey:   cfg.OpenAIAPIKey,
		Model:       cfg.EmbeddingModel,
		Dimensions:  cfg.EmbeddingDimensions,
		OllamaURL:   cfg.OllamaURL,
		OllamaModel: cfg.OllamaModel,
	})
	if err != nil {
		logger.Warn("embedding provider unavailable, similarity search disabled", "error", err)
		embedder = nil
	} else {
		logger.Info("embedding provider selected", "provider", cfg.EmbeddingProvider, "dimensions", cfg.EmbeddingDimensions)
	}

	// Qdrant is an optional alternate search backend; pgvector-backed reads
	// against query_embeddings are the default. When configured, every new
	// embedding is dual-written by the embedding worker (see below) so
	// SearchSimilar reads stay consistent regardless of which one serves.
	var searcher search.Searcher = db
	var qdrantIndex *search.QdrantIndex
	if cfg.QdrantURL != "" {
		qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()

		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}
		searcher = qdrantIndex
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL), using pgvector")
	}

	storageRing := buffer.New[model.QueryMetric](cfg.BufferCapacity)
	liveRing := buffer.New[model.QueryMetric](cfg.BroadcastCapacity)
	live := server.NewLiveChannel(cfg.BroadcastCapacity, logger)
	defer live.Close()

	flusher := workers.NewFlusher(storageRing, db, logger, cfg.FlushInterval)
	broadcaster := workers.NewBroadcaster(liveRing, func(m model.QueryMetric) {
		live.Publish(m.WorkspaceID, model.Envelope{Kind: model.EnvelopeMetric, Metric: &m})
	}, 100*time.Millisecond)
	anomalyDetector := workers.NewAnomalyDetector(db, func(a model.QueryAnomaly) {
		live.Publish(a.WorkspaceID, model.Envelope{Kind: model.EnvelopeAnomaly, Anomaly: &a})
	}, logger, cfg.AnomalyCheckInterval, cfg.AnomalyZScoreMin)
	embeddingWorker := workers.NewEmbeddingWorker(db, embedder, qdrantIndex, logger, cfg.EmbeddingPollInterval)
	retentionPruner := workers.NewRetentionPruner(db, logger, cfg.RetentionCheckInterval)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	go flusher.Run(workerCtx)
	go broadcaster.Run(workerCtx)
	go anomalyDetector.Run(workerCtx)
	go embeddingWorker.Run(workerCtx)
	go retentionPruner.Run(workerCtx)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		StorageRing:         storageRing,
		LiveRing:            liveRing,
		Live:                live,
		Searcher:            searcher,
		Embedder:            embedder,
		Logger:              logger,
		ListenAddr:          cfg.ListenAddr,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting new HTTP requests first (in-flight
	// requests may still push onto the rings), then cancel the worker
	// context so the flusher gets one last drain tick on ctx.Done() (the
	// other loops simply return), then give it a grace period to finish
	// that tick before returning.
	slog.Info("queryvault shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	stopWorkers()
	time.Sleep(500 * time.Millisecond)

	slog.Info("queryvault stopped")
	return nil
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
