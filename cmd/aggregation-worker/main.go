package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"device-pipeline/internal/bootstrap"
	"device-pipeline/internal/config"
	"device-pipeline/internal/observability"
	"device-pipeline/internal/queue"
	"device-pipeline/internal/worker"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

const serviceName = "aggregation-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	bootstrap.SetupLogging(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(config.RoleWorker); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observability.Setup(ctx, serviceName)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}

	repo, err := bootstrap.OpenRepo(cfg)
	if err != nil {
		slog.Error("aggregate store unavailable", "error", err)
		os.Exit(1)
	}

	q, rdb, err := bootstrap.OpenQueue(ctx, cfg, func(queue.Delivery) {
		observability.DeadLettered.Inc()
	})
	if err != nil {
		slog.Error("queue unavailable", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	janitor := worker.NewJanitor(repo, q, worker.JanitorOptions{
		DedupRetention:      cfg.Worker.DedupRetention,
		DeadLetterRetention: cfg.Queue.DeadLetterRetention,
	})
	if err := janitor.Start(ctx); err != nil {
		slog.Error("janitor schedule invalid", "error", err)
		os.Exit(1)
	}
	defer janitor.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := repo.Ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Get("/dead-letters", func(w http.ResponseWriter, r *http.Request) {
		limit, err := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
		if err != nil || limit <= 0 {
			limit = 100
		}
		letters, err := q.DeadLetters(r.Context(), limit)
		if err != nil {
			slog.Error("dead-letter listing failed", "error", err)
			http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
			return
		}
		out := make([]map[string]any, 0, len(letters))
		for _, d := range letters {
			out = append(out, map[string]any{"id": d.ID, "corr_id": d.CorrID, "attempts": d.Attempt, "body": string(d.Body)})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"dead_letters": out})
	})
	r.Handle("/metrics", tel.Metrics)
	metricsSrv := &http.Server{Addr: ":" + cfg.Worker.MetricsPort, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("worker metrics listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()

	w := worker.New(q, repo, worker.Options{
		BatchSize:   cfg.Worker.BatchSize,
		Concurrency: cfg.Worker.Concurrency,
	})
	slog.Info("aggregation-worker started", "stream", cfg.Queue.Stream, "group", cfg.Queue.Group, "batch_size", cfg.Worker.BatchSize, "concurrency", cfg.Worker.Concurrency)
	if err := w.Run(ctx); err != nil {
		slog.Error("worker stopped", "error", err)
	}
	slog.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	tel.Shutdown(shutdownCtx)
}
