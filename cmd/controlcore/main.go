package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mhdr/Monitoring2025-sub014/internal/admin"
	"github.com/mhdr/Monitoring2025-sub014/internal/config"
	"github.com/mhdr/Monitoring2025-sub014/internal/control/autotune"
	"github.com/mhdr/Monitoring2025-sub014/internal/control/loop"
	"github.com/mhdr/Monitoring2025-sub014/internal/engine"
	"github.com/mhdr/Monitoring2025-sub014/internal/metrics"
	"github.com/mhdr/Monitoring2025-sub014/internal/notify"
	"github.com/mhdr/Monitoring2025-sub014/internal/reference"
	"github.com/mhdr/Monitoring2025-sub014/internal/store"
	"github.com/mhdr/Monitoring2025-sub014/internal/store/file"
	"github.com/mhdr/Monitoring2025-sub014/internal/store/memory"
	"github.com/mhdr/Monitoring2025-sub014/internal/store/postgres"
	redispkg "github.com/mhdr/Monitoring2025-sub014/internal/store/redis"
	"github.com/mhdr/Monitoring2025-sub014/internal/tracing"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName         = "controlcore"
	dbPoolStatsInterval = 15 * time.Second
	shutdownTimeout     = 5 * time.Second
)

func parseLogLevel(level string) slog.Level {
	switch level {
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

// backends holds the storage chosen by configuration. close releases
// whatever was opened, in reverse order.
type backends struct {
	values   store.ValueStore
	loops    store.LoopRepository
	sessions store.TuningSessionRepository
	redis    *redis.Client
	db       *postgres.DB
	closers  []func() error
}

func (b *backends) close(logger *slog.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			logger.Warn("close backend failed", "error", err)
		}
	}
}

func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}

	switch cfg.ValueStore.Backend {
	case config.ValueStoreBackendRedis:
		client, err := redispkg.Connect(ctx, cfg.ValueStore.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect value store: %w", err)
		}
		b.redis = client
		b.closers = append(b.closers, client.Close)
		b.values = redispkg.NewValueStore(client, cfg.ValueStore.Namespace, redispkg.BreakerConfig{
			FailureThreshold: cfg.ValueStore.BreakerFailures,
			OpenTimeout:      cfg.ValueStore.BreakerOpen,
		}, logger)
		logger.Info("value store connected", "backend", "redis", "namespace", cfg.ValueStore.Namespace)
	default:
		b.values = memory.NewValueStore()
		logger.Warn("using in-memory value store; outputs are not delivered to any field device")
	}

	switch cfg.Loops.Backend {
	case config.ConfigBackendFile:
		b.loops = file.NewLoopRepo(cfg.Loops.File)
		b.sessions = memory.NewTuningSessionRepo()
		logger.Info("loop configuration from file", "path", cfg.Loops.File)
	default:
		db, err := postgres.New(ctx, postgres.Config{
			URL:                cfg.DB.URL,
			MaxOpenConns:       cfg.DB.MaxOpenConns,
			MaxIdleConns:       cfg.DB.MaxIdleConns,
			ConnMaxLifetime:    cfg.DB.ConnMaxLifetime,
			StatementTimeoutMS: cfg.DB.StatementTimeoutMS,
		})
		if err != nil {
			b.close(logger)
			return nil, fmt.Errorf("connect configuration database: %w", err)
		}
		b.db = db
		b.closers = append(b.closers, db.Close)
		if err := db.RunMigrations(ctx, cfg.Loops.MigrationsDir, logger); err != nil {
			b.close(logger)
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		b.loops = postgres.NewLoopRepo(db)
		b.sessions = postgres.NewTuningSessionRepo(db)
		logger.Info("connected to configuration database")
	}

	return b, nil
}

type dbStatsProvider interface {
	Stats() sql.DBStats
}

func collectDBPoolStats(db dbStatsProvider) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("db pool stats collection panicked: %v", r)
		}
	}()
	if db == nil {
		return fmt.Errorf("db stats provider is nil")
	}
	stats := db.Stats()
	metrics.DBPoolOpen.Set(float64(stats.OpenConnections))
	metrics.DBPoolInUse.Set(float64(stats.InUse))
	metrics.DBPoolIdle.Set(float64(stats.Idle))
	metrics.DBPoolWaitCount.Set(float64(stats.WaitCount))
	return nil
}

func runDBPoolStats(ctx context.Context, db dbStatsProvider, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := collectDBPoolStats(db); err != nil {
			logger.Warn("failed to collect db pool stats", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func healthHandler(logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// serveHTTP runs srv until ctx is done.
func serveHTTP(ctx context.Context, name string, srv *http.Server, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("server shutdown error", "server", name, "error", err)
		}
	}()

	logger.Info("server started", "server", name, "addr", srv.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func adminHandler(s *admin.Server, logger *slog.Logger) http.Handler {
	rl := admin.NewRateLimitMiddleware(logger)
	return admin.AuditMiddleware(logger, rl.Wrap(s.Handler()))
}

func main() {
	if err := run(); err != nil {
		slog.Error("controlcore exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	logger.Info("starting controlcore",
		"config_backend", cfg.Loops.Backend,
		"value_store_backend", cfg.ValueStore.Backend,
		"switch_fallback", cfg.Control.SwitchFallback,
		"input_max_age", cfg.Control.InputMaxAge.String(),
		"admin_enabled", cfg.Server.AdminEnabled,
	)

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(context.Background(), serviceName, tracingEndpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close(logger)

	resolver := reference.NewResolver(b.values, reference.WithTimeout(cfg.ValueStore.Timeout))
	eng := engine.New(resolver, loop.Options{
		MaxInputAge:        cfg.Control.InputMaxAge,
		SwitchFallback:     loop.SwitchFallback(cfg.Control.SwitchFallback),
		UnhealthyThreshold: cfg.Control.UnhealthyThreshold,
	}, logger)

	tuner := autotune.NewManager(autotune.Config{
		DefaultTimeout: cfg.Tuning.DefaultTimeout,
		MaxInputAge:    cfg.Control.InputMaxAge,
	}, resolver, eng, b.sessions, b.loops, logger)
	eng.SetTargetWatcher(tuner)

	bus := notify.NewBus(logger)
	defer bus.Close()

	watcher := engine.NewConfigWatcher(b.loops, eng, logger, cfg.Loops.PollInterval).WithChangeSource(bus)

	// Sessions left RUNNING by a previous process must be closed before the
	// first loop starts, or their loops would look busy forever.
	if err := tuner.Recover(ctx); err != nil {
		return err
	}
	if err := watcher.Load(ctx); err != nil {
		return fmt.Errorf("initial loop configuration load: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serveHTTP(gCtx, "health", &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.HealthPort),
			Handler:           healthHandler(logger),
			ReadHeaderTimeout: 5 * time.Second,
		}, logger)
	})
	g.Go(func() error { return eng.Run(gCtx) })
	g.Go(func() error { return tuner.Run(gCtx) })
	g.Go(func() error { return watcher.Run(gCtx) })

	if b.redis != nil && cfg.Loops.NotifyChannel != "" {
		bridge := redispkg.NewConfigBridge(b.redis, cfg.Loops.NotifyChannel, bus, logger)
		g.Go(func() error { return bridge.Run(gCtx) })
	}
	if b.db != nil {
		g.Go(func() error { return runDBPoolStats(gCtx, b.db, dbPoolStatsInterval, logger) })
	}
	if cfg.Server.AdminEnabled {
		handler := adminHandler(admin.NewServer(eng, tuner, bus, logger), logger)
		g.Go(func() error {
			return serveHTTP(gCtx, "admin", &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Server.AdminPort),
				Handler:           handler,
				ReadHeaderTimeout: 5 * time.Second,
			}, logger)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("controlcore shut down gracefully")
	return nil
}
