package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/httputil"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/media-cache/pkg/cache"
	"github.com/Sternrassler/media-cache/pkg/classify"
	"github.com/Sternrassler/media-cache/pkg/config"
	"github.com/Sternrassler/media-cache/pkg/control"
	"github.com/Sternrassler/media-cache/pkg/eviction"
	"github.com/Sternrassler/media-cache/pkg/fetch"
	"github.com/Sternrassler/media-cache/pkg/logging"
	"github.com/Sternrassler/media-cache/pkg/metrics"
	"github.com/Sternrassler/media-cache/pkg/store"
	"github.com/Sternrassler/media-cache/pkg/warmup"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var version = "0.1.0"

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.LoggingConfig())
	logger := logging.NewLogger(logging.ComponentServer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

// app wires every component of the media cache.
type app struct {
	cfg     config.Config
	backend store.Backend
	redis   *redis.Client
	engine  *eviction.Engine
	tiered  *cache.Tiered
	seeder  *warmup.Seeder
	control *control.Handler
	handler http.Handler
}

func newBackend(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store.Backend, *redis.Client, error) {
	if cfg.Store == config.StoreMemory {
		logger.Info().Msg("Using in-memory store")
		return store.NewMemoryBackend(), nil, nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
	})

	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Int("db", cfg.Redis.DB).Msg("Connected to Redis")

	return store.NewRedisBackend(redisClient, cfg.Redis.Prefix), redisClient, nil
}

func newApp(cfg config.Config, backend store.Backend, redisClient *redis.Client) (*app, error) {
	origin, err := cfg.OriginURL()
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}

	budgets := cfg.Budgets()
	trimmers := make([]*eviction.Trimmer, 0, len(budgets))
	for name, budget := range budgets {
		trimmers = append(trimmers, eviction.NewTrimmer(
			store.NewPartition(backend, name),
			budget,
			logging.NewLogger(logging.ComponentEviction),
		))
	}
	engine := eviction.NewEngine(logging.NewLogger(logging.ComponentEviction), trimmers...)

	fetcher := fetch.New(cfg.FetchConfig())

	tiered := cache.NewTiered(backend, fetcher, engine, cache.Config{
		StaticVersion: cfg.Static.Version,
		ShellPath:     cfg.Static.Shell,
		RangeWindow:   cfg.RangeWindow.Int64(),
		IgnoreQuery:   cfg.IgnoreQuery(),
		Origin:        origin,
	}, logging.NewLogger(logging.ComponentCache))

	controller := cache.NewController(
		classify.New(cfg.Rules()),
		tiered,
		logging.NewLogger(logging.ComponentCache),
	)

	seeder := warmup.NewSeeder(backend, fetcher, warmup.Config{
		Origin:         origin,
		Version:        cfg.Static.Version,
		Manifest:       cfg.Static.Manifest,
		IgnoreQuery:    cfg.Static.IgnoreQuery,
		MaxConcurrency: cfg.Static.Concurrency,
		Timeout:        cfg.Fetch.Timeout,
	}, logging.NewLogger(logging.ComponentWarmup))

	controlHandler := control.NewHandler(backend, tiered, seeder, control.NewLedger(),
		logging.NewLogger(logging.ComponentControl))

	a := &app{
		cfg:     cfg,
		backend: backend,
		redis:   redisClient,
		engine:  engine,
		tiered:  tiered,
		seeder:  seeder,
		control: controlHandler,
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(origin)
			r.SetXForwarded()
		},
		Transport:    controller,
		ErrorHandler: proxyErrorHandler(logging.NewLogger(logging.ComponentServer)),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/ready", a.readyHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle(control.Path, control.NewHTTPHandler(controlHandler, logging.NewLogger(logging.ComponentControl)))
	mux.Handle("/", proxy)
	a.handler = mux

	metrics.SetBuildInfo(version, cfg.Static.Version)
	return a, nil
}

// warm seeds the current static partition and retires older versions.
func (a *app) warm(ctx context.Context, logger zerolog.Logger) {
	if _, err := a.seeder.Seed(ctx); err != nil {
		logger.Warn().Err(err).Msg("Static partition seeded partially")
	}
	if _, err := a.seeder.Activate(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to retire old static partitions")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	backend, redisClient, err := newBackend(ctx, cfg, logging.NewLogger(logging.ComponentStore))
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	a, err := newApp(cfg, backend, redisClient)
	if err != nil {
		return err
	}

	go a.warm(ctx, logger)
	go a.engine.Run(ctx, cfg.MaintenanceInterval)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Listen).
			Str("origin", cfg.Origin).
			Str("store", cfg.Store).
			Str("static_version", cfg.Static.Version).
			Str("version", version).
			Msg("Starting media cache")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Graceful shutdown incomplete")
	}

	// Let detached cache writes and trims finish
	a.tiered.Wait()
	a.engine.Wait()
	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (a *app) readyHandler(w http.ResponseWriter, r *http.Request) {
	if a.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.redis.Ping(ctx).Err(); err != nil {
			http.Error(w, fmt.Sprintf("store unavailable: %v", err), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "READY")
}

func proxyErrorHandler(logger zerolog.Logger) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		status := http.StatusBadGateway
		if errors.Is(err, context.Canceled) {
			// Client went away
			status = 499
		}
		logger.Warn().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("Proxy request failed")
		w.WriteHeader(status)
	}
}
