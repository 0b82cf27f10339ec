// Command spined runs the spine agent registry server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	spinehttp "github.com/dreamnet/spine/internal/adapter/http"
	spinenats "github.com/dreamnet/spine/internal/adapter/nats"
	spineotel "github.com/dreamnet/spine/internal/adapter/otel"
	"github.com/dreamnet/spine/internal/adapter/postgres"
	"github.com/dreamnet/spine/internal/adapter/ristretto"
	"github.com/dreamnet/spine/internal/adapter/ws"
	"github.com/dreamnet/spine/internal/config"
	"github.com/dreamnet/spine/internal/logger"
	"github.com/dreamnet/spine/internal/port/database"
	"github.com/dreamnet/spine/internal/port/events"
	"github.com/dreamnet/spine/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger.New(cfg.Logging)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"health_interval", cfg.Spine.HealthInterval,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer := spineotel.InitTracer(cfg.Logging.Service)
	defer func() { _ = shutdownTracer(context.Background()) }()

	// --- Infrastructure ---

	// PostgreSQL. A connection failure is not fatal: the registry falls
	// back to memory-only mode and keeps serving.
	var store database.Store
	if cfg.Postgres.DSN != "" {
		pool, perr := postgres.NewPool(ctx, cfg.Postgres)
		if perr != nil {
			slog.Warn("postgres unavailable, running memory-only", "error", perr)
		} else {
			defer pool.Close()
			if merr := postgres.RunMigrations(ctx, cfg.Postgres.DSN); merr != nil {
				return fmt.Errorf("migrations: %w", merr)
			}
			store = postgres.NewStore(pool)
			slog.Info("postgres connected, migrations applied")
		}
	}

	// NATS. Event publishing is best-effort and optional.
	var pub events.Publisher
	if cfg.NATS.URL != "" {
		queue, nerr := spinenats.Connect(ctx, cfg.NATS.URL)
		if nerr != nil {
			slog.Warn("nats unavailable, events disabled", "error", nerr)
		} else {
			defer func() { _ = queue.Close() }()
			pub = queue
		}
	}

	// Stats cache.
	statsCache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer statsCache.Close()

	metrics, err := spineotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Services ---

	hub := ws.NewHub()

	opts := []service.Option{
		service.WithHub(hub),
		service.WithCache(statsCache, cfg.Cache.StatsTTL),
		service.WithMetrics(metrics),
	}
	if pub != nil {
		opts = append(opts, service.WithPublisher(pub))
	}

	spine := service.NewSpine(cfg.Spine, store, slog.Default(), opts...)
	if err := spine.Start(ctx); err != nil {
		return fmt.Errorf("spine: %w", err)
	}

	// --- HTTP ---

	handlers := spinehttp.NewHandlers(spine)

	r := chi.NewRouter()
	r.Use(spinehttp.CORS(cfg.Server.CORSOrigin))
	r.Use(spinehttp.RequestID)
	r.Use(spinehttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(spineotel.HTTPMiddleware(cfg.Logging.Service))

	r.Get("/health", healthHandler(spine, hub))
	r.Get("/ws", hub.HandleWS)

	spinehttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Stop the registry and let the journal drain.
	cancel()
	spine.Drain()
	return nil
}

// healthHandler reports liveness plus persistence mode and socket count.
func healthHandler(spine *service.Spine, hub *ws.Hub) http.HandlerFunc {
	type healthStatus struct {
		Status      string `json:"status"`
		Persistence string `json:"persistence"`
		Websockets  int    `json:"websockets"`
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		persistence := "memory-only"
		if spine.PersistenceStatus().UsingDatabase {
			persistence = "postgres"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthStatus{
			Status:      "ok",
			Persistence: persistence,
			Websockets:  hub.ConnectionCount(),
		})
	}
}
