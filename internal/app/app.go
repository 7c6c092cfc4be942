package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"golang.org/x/time/rate"

	"docvec/features/document"
	"docvec/features/job"
	"docvec/features/stats"
	wstore "docvec/internal/adapter/weaviate"
	"docvec/internal/chunker"
	"docvec/internal/config"
	"docvec/internal/embedding"
	"docvec/internal/middleware"
	"docvec/internal/search"
	"docvec/internal/worker"
)

type App struct {
	Handler       http.Handler
	Pool          *worker.Pool
	ReadyConsumer *worker.ReadyConsumer

	port int
}

// New wires the features, the embedding pipeline and the worker pool.
// The embedding provider is nil-able for tests; production passes the
// Gemini adapter built in main.
func New(
	cfg *config.Config,
	db *sql.DB,
	wClient *weaviate.Client,
	pub job.EventPublisher,
	provider embedding.Provider,
) (*App, error) {
	vecStore := wstore.NewStore(wClient, cfg.EmbeddingDimension)

	limiter := rate.NewLimiter(rate.Limit(cfg.EmbeddingRatePerSec), 1)
	batcher := embedding.NewBatcher(provider, limiter, embedding.Config{
		BatchSize:  cfg.EmbeddingBatchSize,
		Dimension:  cfg.EmbeddingDimension,
		MaxRetries: cfg.EmbeddingMaxRetries,
		Timeout:    time.Duration(cfg.EmbeddingTimeoutSecs) * time.Second,
	})

	// Feature: Job
	jobRepo := job.NewPostgresRepo(db)
	jobService := job.NewService(jobRepo, pub)
	jobHandler := job.NewHandler(jobService)

	// Feature: Document
	docRepo := document.NewPostgresRepo(db)
	docService := document.NewService(docRepo, jobService, vecStore, cfg.EmbeddingModel, cfg.JobMaxRetries)
	docHandler := document.NewHandler(docService)

	// Feature: Stats
	statsHandler := stats.NewHandler(stats.NewService(stats.NewPostgresRepo(db)))

	// Search
	searchHandler := search.NewHandler(search.NewService(batcher, vecStore))

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /documents", middleware.CorrelationID(enableCORS(docHandler.Submit)))
	mux.Handle("GET /documents", middleware.CorrelationID(enableCORS(docHandler.List)))
	mux.Handle("GET /documents/{id}", middleware.CorrelationID(enableCORS(docHandler.Status)))
	mux.Handle("GET /documents/{id}/chunks", middleware.CorrelationID(enableCORS(docHandler.Chunks)))
	mux.Handle("DELETE /documents/{id}", middleware.CorrelationID(enableCORS(docHandler.Delete)))
	mux.Handle("POST /documents/{id}/reprocess", middleware.CorrelationID(enableCORS(docHandler.Reprocess)))

	mux.Handle("GET /jobs/{id}", middleware.CorrelationID(enableCORS(jobHandler.Get)))
	mux.Handle("POST /jobs/{id}/cancel", middleware.CorrelationID(enableCORS(jobHandler.Cancel)))

	mux.Handle("POST /search", middleware.CorrelationID(enableCORS(searchHandler.Search)))

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.Get)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Worker pipeline
	chunkCfg := chunker.Config{MaxChunkChars: cfg.MaxChunkChars, OverlapChars: cfg.OverlapChars}
	orchestrator := worker.NewOrchestrator(jobRepo, docRepo, vecStore, batcher, chunkCfg, cfg.EmbeddingModel)
	pool := worker.NewPool(orchestrator, jobRepo, cfg.WorkerCount,
		time.Duration(cfg.JobPollIntervalSecs)*time.Second)

	return &App{
		Handler:       mux,
		Pool:          pool,
		ReadyConsumer: worker.NewReadyConsumer(orchestrator, jobRepo),
		port:          cfg.ServerPort,
	}, nil
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.port),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
