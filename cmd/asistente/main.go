package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/aula-cloud/asistente/internal/config"
	"github.com/aula-cloud/asistente/internal/db"
	dbRedis "github.com/aula-cloud/asistente/internal/db/redis"
	"github.com/aula-cloud/asistente/internal/domain"
	logpkg "github.com/aula-cloud/asistente/internal/logger"
	"github.com/aula-cloud/asistente/internal/metrics"
	"github.com/aula-cloud/asistente/internal/reader"
	"github.com/aula-cloud/asistente/internal/repository/embcache"
	indexrepo "github.com/aula-cloud/asistente/internal/repository/index"
	ledgerrepo "github.com/aula-cloud/asistente/internal/repository/ledger"
	chiTransport "github.com/aula-cloud/asistente/internal/transport/chi"
	openaiT "github.com/aula-cloud/asistente/internal/transport/openai"
	"github.com/aula-cloud/asistente/internal/usecase/health"
	"github.com/aula-cloud/asistente/internal/usecase/ingest"
	"github.com/aula-cloud/asistente/internal/usecase/query"
	"github.com/aula-cloud/asistente/internal/version"
)

func main() {
	// .env is optional; real env vars win either way.
	_ = godotenv.Load()

	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.New(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	// Provider kind was validated by config.Load; unknown kinds never get here.
	kind := cfg.ProviderKind()
	scope := kind.Scope(cfg.Provider.EmbeddingModel)

	logger.Info("Starting asistente API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("provider", string(kind)),
		zap.String("chat_model", cfg.Provider.ChatModel),
		zap.String("embedding_model", cfg.Provider.EmbeddingModel),
		zap.String("scope", scope),
	)

	// Optional Redis embedding cache. The pipeline works without it.
	var store db.Store
	if len(cfg.Cache.Addrs) > 0 {
		s, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.Cache.Addrs,
			Password: cfg.Cache.Password,
		})
		if err != nil {
			logger.Fatal("Failed to create cache store", zap.Error(err))
		}
		if err := s.WaitForReady(context.Background(), 10*time.Second); err != nil {
			logger.Warn("Cache store not ready, running without embedding cache", zap.Error(err))
			s.Close()
		} else {
			store = s
			defer store.Close()
			logger.Info("Connected to embedding cache", zap.Strings("addrs", cfg.Cache.Addrs))
		}
	}

	// Register pipeline metrics explicitly (no init())
	metrics.RegisterPipelineMetrics()

	// Provider adapters — composition root
	base := openaiT.NewEmbedder(&openaiT.Config{
		APIKey:     cfg.Provider.APIKey,
		BaseURL:    cfg.BaseURL(),
		Model:      cfg.Provider.EmbeddingModel,
		Dimensions: cfg.Provider.Dimensions,
		Provider:   string(kind),
		Logger:     logger,
	})

	var embedder domain.Embedder = base
	if store != nil {
		embedder = embcache.New(base, store, scope, metrics.EmbeddingCacheTotal, logger)
	}

	completer := openaiT.NewCompleter(&openaiT.CompleterConfig{
		APIKey:  cfg.Provider.APIKey,
		BaseURL: cfg.BaseURL(),
		Model:   cfg.Provider.ChatModel,
		Logger:  logger,
	})

	// Durable state is keyed by provider scope so switching providers or
	// embedding models never reuses another scope's index or ledger.
	snapshotPath := filepath.Join(cfg.Ingest.DataDir, scope+"-index.json")
	ledgerPath := filepath.Join(cfg.Ingest.DataDir, scope+"-ledger.txt")

	idx := loadOrCreateIndex(snapshotPath, cfg.Provider.Dimensions, logger)
	metrics.IndexRecords.Set(float64(idx.Len()))

	led, err := ledgerrepo.Open(ledgerPath)
	if err != nil {
		logger.Fatal("Failed to open ingestion ledger", zap.Error(err))
	}
	logger.Info("Loaded durable state",
		zap.Int("index_records", idx.Len()),
		zap.Int("ledger_sources", led.Len()),
	)

	ingestSvc := ingest.New(
		reader.New(cfg.Ingest.ChunkSize), embedder, idx, led, snapshotPath, logger,
	).WithRetry(
		cfg.Ingest.MaxAttempts,
		time.Duration(cfg.Ingest.ShortCooldownMS)*time.Millisecond,
		time.Duration(cfg.Ingest.LongCooldownMS)*time.Millisecond,
	)

	querySvc := query.New(embedder, completer, idx, query.Options{
		TopK:            cfg.Query.TopK,
		Greetings:       cfg.Query.Greetings,
		GreetingReply:   cfg.Query.GreetingReply,
		NotReadyMessage: cfg.Query.NotReadyMessage,
		TokenDelay:      time.Duration(cfg.Query.TokenDelayMS) * time.Millisecond,
	}, logger)

	var cachePinger health.Pinger
	if store != nil {
		cachePinger = store
	}
	healthSvc := health.New(base, cachePinger, querySvc.Ready, logger)

	server := chiTransport.NewServer(querySvc, healthSvc, logger)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware())
	server.Routes(r)

	// Ingestion runs in the background so the server starts serving the
	// not-ready message immediately; queries get real answers once it finishes.
	ingestCtx, stopIngest := context.WithCancel(context.Background())
	defer stopIngest()
	go func() {
		start := time.Now()
		if err := ingestSvc.Run(ingestCtx, cfg.Ingest.SourceDir); err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Info("Ingestion interrupted by shutdown")
				return
			}
			logger.Fatal("Ingestion failed", zap.Error(err))
		}
		querySvc.SetReady()
		logger.Info("Ingestion complete, pipeline ready",
			zap.Int("index_records", idx.Len()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}()

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")
	stopIngest()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// loadOrCreateIndex restores the snapshot for the active scope, falling back
// to an empty index when the snapshot is missing, corrupt, or was built with
// a different dimensionality.
func loadOrCreateIndex(snapshotPath string, dimensions int, logger *zap.Logger) *indexrepo.Index {
	idx, err := indexrepo.Load(snapshotPath)
	if err != nil {
		logger.Warn("No usable index snapshot, starting empty",
			zap.String("path", snapshotPath), zap.Error(err))
		return indexrepo.New(dimensions)
	}
	if idx.Dimensions() != dimensions {
		logger.Warn("Snapshot dimensionality differs from configuration, starting empty",
			zap.Int("snapshot_dims", idx.Dimensions()),
			zap.Int("configured_dims", dimensions))
		return indexrepo.New(dimensions)
	}
	return idx
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())

			// Set X-Request-ID in response header
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			// Per-request logger with request_id
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line — one line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
