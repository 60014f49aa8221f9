// Package relayer implements app.Runner for the relayer process.
package relayer

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"

	"github.com/abcd5251/1inch-on-sui-sub001/pkg/app/httpserver"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/auth"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/cache"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/config"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/evm"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/migrations/relayerdb"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/move"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/pgutil"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/push"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/relayer"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/storage"
)

// TODO: surface these in ServerConfig
const (
	defaultGracefulShutdownTimeout = 30 * time.Second
	defaultHTTPMiddlewareTimeout   = 60 * time.Second
	defaultHTTPReadTimeout         = 15 * time.Second
	defaultHTTPWriteTimeout        = 15 * time.Second
	defaultHTTPIdleTimeout         = 60 * time.Second
)

// Server holds configuration for the relayer process.
type Server struct {
	cfg *config.Config
}

// NewServer initializes a new relayer Server.
func NewServer(cfg *config.Config) *Server {
	return &Server{cfg: cfg}
}

// Run starts the relayer engine, the push hub, and the operational HTTP
// server. It blocks until an OS shutdown signal is received or a fatal
// server error occurs.
func (s *Server) Run() error {
	if s.cfg == nil {
		return fmt.Errorf("nil config")
	}
	cfg := s.cfg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting HTLC swap relayer")

	db, err := pgutil.ConnectDB(&cfg.Database)
	if err != nil {
		return fmt.Errorf("connect relayer db: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := verifyMigrations(ctx, db); err != nil {
		return err
	}
	logger.Info("Database schema up to date")

	store := storage.NewStore(db)

	hot, err := cache.New(cfg.Cache, cfg.Expiry.TerminalGrace.Std())
	if err != nil {
		return fmt.Errorf("build swap cache: %w", err)
	}

	evmClient, err := evm.NewClient(&cfg.EVM, logger)
	if err != nil {
		return fmt.Errorf("initialize evm client: %w", err)
	}
	defer evmClient.Close()

	moveClient, err := move.NewClient(&cfg.Move, logger)
	if err != nil {
		return fmt.Errorf("initialize move client: %w", err)
	}
	defer moveClient.Close()

	bus := relayer.NewBus(cfg.Bus.Capacity)
	evmObserver := evm.NewObserver(evmClient, store, bus, cfg.Monitoring, logger)
	moveObserver := move.NewObserver(moveClient, store, bus, cfg.Monitoring, logger)

	hub := push.NewHub(store, hot, cfg.Push, logger)
	go hub.Run(ctx)

	executor := relayer.NewExecutor(evmClient, moveClient, cfg.Monitoring, logger)
	coordinator := relayer.NewCoordinator(store, hot, executor, hub, bus, cfg, logger)

	engine := relayer.NewEngine(evmObserver, moveObserver, coordinator, logger)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start relayer engine: %w", err)
	}
	defer engine.Stop()

	router := s.newRouter(store, hot, engine, coordinator, hub, logger)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := newHTTPServer(serverAddr, router)

	return httpserver.ServeAndWait(ctx, logger, httpServer, defaultGracefulShutdownTimeout)
}

// verifyMigrations refuses to start against a schema that is behind the
// migration set this binary was built with.
func verifyMigrations(ctx context.Context, db *bun.DB) error {
	migrator := migrate.NewMigrator(db, relayerdb.Migrations)
	status, err := migrator.MigrationsWithStatus(ctx)
	if err != nil {
		return fmt.Errorf("read migration status (run cmd/relayer/migrate init): %w", err)
	}
	if unapplied := status.Unapplied(); len(unapplied) > 0 {
		return fmt.Errorf("%d migrations pending, run cmd/relayer/migrate up: %s",
			len(unapplied), unapplied)
	}
	return nil
}

func (s *Server) newRouter(
	store storage.Store,
	hot *cache.Cache,
	engine *relayer.Engine,
	coordinator *relayer.Coordinator,
	hub *push.Hub,
	logger *zap.Logger,
) http.Handler {
	cfg := s.cfg

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// chi's request logger writes access lines to stdlib log, not zap.
	r.Use(middleware.Logger)

	// Push sessions are long-lived, so the WebSocket endpoint stays
	// outside the timeout group.
	r.Get("/ws", hub.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(defaultHTTPMiddlewareTimeout))

		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})

		r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
			if !engine.Ready() {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("NOT_READY"))
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("READY"))
		})

		if cfg.Monitoring.IsEnabled() {
			r.Handle("/metrics", promhttp.Handler())
			logger.Info("Metrics enabled", zap.String("path", "/metrics"))
		}

		admin := auth.NewAdmin(cfg.Auth, logger)
		if !admin.Enabled() {
			logger.Warn("Admin secret not configured, forced refund endpoint disabled")
		}

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/swaps", handleListSwaps(store, hot, logger))
			r.Get("/swaps/{id}", handleGetSwap(store, hot, logger))
			r.Get("/swaps/{id}/events", handleSwapEvents(store, hot, logger))
			r.Get("/status", handleStatus(store, engine, hub, hot, logger))
			r.With(admin.Middleware).Post("/refund/{swap_id}", handleRefund(coordinator, logger))
		})
	})

	return r
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  defaultHTTPReadTimeout,
		WriteTimeout: defaultHTTPWriteTimeout,
		IdleTimeout:  defaultHTTPIdleTimeout,
	}
}
