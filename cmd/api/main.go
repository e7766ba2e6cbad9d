package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"cashback-api/internal/cache"
	"cashback-api/internal/config"
	"cashback-api/internal/database"
	"cashback-api/internal/events"
	"cashback-api/internal/features"
	"cashback-api/internal/handler"
	"cashback-api/internal/logging"
	"cashback-api/internal/metrics"
	"cashback-api/internal/middleware"
	"cashback-api/internal/service"
	"cashback-api/internal/store"
	"cashback-api/internal/tracing"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "", "Path to a JSON or YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Tracing.ServiceName, cfg.Log.Environment, cfg.Log.Level)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.InitTracing(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.Tracing.Environment,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	cashbackCache, closeCache, err := openCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	flags := features.NewDefaultManager()
	flags.Apply(cfg.Features)

	bus := events.NewManager(true)
	bus.SetLogger(logger)
	subscribeAuditLog(bus, logger)
	defer bus.Shutdown()

	m := metrics.New()

	svc := service.NewServiceWithOptions(st, service.Options{
		Cache:    cashbackCache,
		CacheTTL: cfg.CacheTTL(),
		Events:   bus,
		Features: flags,
		Metrics:  m,
		Tracer:   tracer,
		Logger:   logger,
	})

	h := handler.NewHandlerWithOptions(svc, handler.NewHandlerOptions{
		MaxBodySize: cfg.Security.MaxRequestBodySize,
		Logger:      logger,
	})

	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.TracingMiddleware(tracer))

	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second)
		defer rateLimiter.Stop()
		r.Use(middleware.RateLimitMiddleware(rateLimiter))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Origins(),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining"},
		MaxAge:         300,
	}))

	h.Register(r)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		protocol := "HTTP"
		if cfg.Server.EnableTLS {
			protocol = "HTTPS"
		}
		logger.Info("starting server",
			"protocol", protocol,
			"addr", server.Addr,
			"database", describeDatabase(cfg),
			"rate_limit", cfg.RateLimit.Rate,
			"rate_window_seconds", cfg.RateLimit.Window,
		)

		var err error
		if cfg.Server.EnableTLS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// openStore picks SQLite when a database path is configured and the
// in-memory store otherwise.
func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Database.Path == "" {
		logger.Info("using in-memory store")
		return store.NewMemory(), nil
	}

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, nil
}

func openCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (cache.Cache, func(), error) {
	if cfg.Cache.RedisAddr == "" {
		return cache.NewInMemoryCache(), func() {}, nil
	}

	rc, err := cache.NewRedisCache(ctx, cache.RedisOptions{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
		Prefix:   cfg.Cache.KeyPrefix,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using redis cache", "addr", cfg.Cache.RedisAddr)

	return rc, func() {
		if err := rc.Close(); err != nil {
			logger.Warn("redis close failed", "error", err)
		}
	}, nil
}

// subscribeAuditLog writes one log line per domain event.
func subscribeAuditLog(bus *events.Manager, logger *slog.Logger) {
	bus.Subscribe(events.EventCashbackAwarded, func(ctx context.Context, event events.Event) error {
		data, ok := event.Data.(events.CashbackAwardedData)
		if !ok {
			return fmt.Errorf("unexpected payload %T", event.Data)
		}
		logger.InfoContext(ctx, "audit: cashback awarded",
			"event_id", event.ID,
			"cashback_id", data.Cashback.ID,
			"ruleset_id", data.Cashback.RuleSetID,
			"amount", data.Cashback.Amount,
		)
		return nil
	})

	bus.Subscribe(events.EventRuleSetCreated, func(ctx context.Context, event events.Event) error {
		data, ok := event.Data.(events.RuleSetCreatedData)
		if !ok {
			return fmt.Errorf("unexpected payload %T", event.Data)
		}
		logger.InfoContext(ctx, "audit: ruleset created",
			"event_id", event.ID,
			"ruleset_id", data.RuleSet.ID,
		)
		return nil
	})
}

func describeDatabase(cfg *config.Config) string {
	if cfg.Database.Path == "" {
		return "memory"
	}
	return cfg.Database.Path
}
