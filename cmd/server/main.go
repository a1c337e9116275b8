package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/certledger/internal/config"
	"github.com/JonMunkholm/certledger/internal/folder"
	"github.com/JonMunkholm/certledger/internal/importer"
	"github.com/JonMunkholm/certledger/internal/logging"
	"github.com/JonMunkholm/certledger/internal/metrics"
	"github.com/JonMunkholm/certledger/internal/ratelimit"
	"github.com/JonMunkholm/certledger/internal/resolver"
	"github.com/JonMunkholm/certledger/internal/sequence"
	"github.com/JonMunkholm/certledger/internal/store"
	"github.com/JonMunkholm/certledger/internal/web"
)

func main() {
	// Overload lets a local .env win over the shell environment.
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", "config", cfg.String())

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Database.Migrate {
		if err := store.Migrate(cfg.Database.URL); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	pool, err := openPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		logger.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	}

	rdb, err := ratelimit.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		logger.Info("connected to redis")
	}

	st := store.NewPostgresStore(pool)
	m := metrics.New(prometheus.DefaultRegisterer)

	res := resolver.New(st,
		resolver.WithLogger(logger),
		resolver.WithMetrics(m),
		resolver.WithMaxAttempts(cfg.Import.AllocationRetries),
	)
	alloc := sequence.New(st,
		sequence.WithLogger(logger),
		sequence.WithMetrics(m),
		sequence.WithMaxAttempts(cfg.Import.AllocationRetries),
	)

	opts := []importer.Option{importer.WithLogger(logger), importer.WithMetrics(m)}
	if cfg.Folder.Enabled {
		p, err := folder.NewLocal(cfg.Folder.Root)
		if err != nil {
			return err
		}
		opts = append(opts, importer.WithProvisioner(p))
		logger.Info("course folders enabled", "root", cfg.Folder.Root)
	}

	deps := web.Deps{
		Store:      st,
		Resolver:   res,
		Allocator:  alloc,
		Reconciler: importer.New(st, res, alloc, opts...),
		Imports:    importer.NewLimiter(cfg.Import.MaxConcurrent, cfg.Import.MaxWaitTime),
		Gatherer:   prometheus.DefaultGatherer,
		Checks: map[string]web.HealthCheck{
			"postgres": st.Ping,
		},
	}
	if rdb != nil {
		deps.Checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	limiter, closeLimiter, err := newRateLimiter(cfg.Rate, rdb)
	if err != nil {
		return err
	}
	defer closeLimiter()
	deps.RateLimit = limiter

	server := web.NewServer(cfg, deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// newRateLimiter counts in Redis when it is configured and in process
// otherwise. It returns a nil limiter when rate limiting is off.
func newRateLimiter(cfg config.RateLimitConfig, rdb *redis.Client) (*ratelimit.Limiter, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}
	if rdb != nil {
		l, err := ratelimit.New(ratelimit.NewRedisCounter(rdb), cfg.Requests, cfg.Window)
		return l, func() {}, err
	}

	slog.Warn("REDIS_URL not set, rate limits are per instance")
	counter := ratelimit.NewMemoryCounter(time.Minute)
	l, err := ratelimit.New(counter, cfg.Requests, cfg.Window)
	return l, counter.Close, err
}
