// Command dashboard-gateway serves the dashboard's backend resources through
// the resource cache coordinator: cached reads, live watches, invalidation
// and the offline fallback store.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/dashboard-cache/pkg/batch"
	"github.com/Sternrassler/dashboard-cache/pkg/cache"
	"github.com/Sternrassler/dashboard-cache/pkg/client"
	"github.com/Sternrassler/dashboard-cache/pkg/connectivity"
	"github.com/Sternrassler/dashboard-cache/pkg/coordinator"
	"github.com/Sternrassler/dashboard-cache/pkg/fallback"
	"github.com/Sternrassler/dashboard-cache/pkg/invalidation"
	"github.com/Sternrassler/dashboard-cache/pkg/logging"
	"github.com/Sternrassler/dashboard-cache/pkg/offline"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		bootLogger := logging.Setup(logging.DefaultConfig())
		bootLogger.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger := logging.Setup(logging.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Output:  os.Stderr,
		Service: "dashboard-gateway",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Gateway failed")
	}
}

func run(ctx context.Context, cfg config, logger zerolog.Logger) error {
	g, cleanup, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	go g.coord.Run(ctx)

	if len(cfg.WarmEndpoints) > 0 {
		go func() {
			if _, err := g.batch.Warm(ctx, cfg.WarmEndpoints); err != nil {
				logger.Warn().Err(err).Msg("Cache warm-up incomplete")
			}
		}()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("backend", cfg.BackendURL).
			Str("user_agent", cfg.UserAgent).
			Bool("redis", cfg.RedisAddr != "").
			Msg("Starting dashboard gateway")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// watch streams end with the coordinator, not with Shutdown
	g.coord.Close()
	return srv.Shutdown(shutdownCtx)
}

// build wires the coordinator and its collaborators. With a redis address
// the offline store, connectivity state and invalidations are shared
// between gateway instances.
func build(ctx context.Context, cfg config, logger zerolog.Logger) (*gateway, func(), error) {
	transport, err := client.New(client.Config{
		BaseURL:   cfg.BackendURL,
		UserAgent: cfg.UserAgent,
		Retry: client.RetryConfig{
			MaxAttempts:       cfg.MaxAttempts,
			InitialBackoff:    250 * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
		},
		Logger: &logger,
	})
	if err != nil {
		return nil, nil, err
	}

	var (
		redisClient *redis.Client
		store       offline.Store
		connBackend connectivity.Backend
	)
	cleanup := func() {}

	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, nil, err
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")

		store = offline.NewRedisStore(redisClient, offline.DefaultConfig())
		connBackend = connectivity.NewRedisBackend(redisClient)
		cleanup = func() { redisClient.Close() }
	} else {
		store = offline.NewMemoryStore(offline.DefaultConfig())
		connBackend = connectivity.NewMemoryBackend()
	}

	tracker := connectivity.NewTracker(connBackend, connectivity.Config{}, logger)

	resolver := fallback.NewResolver(logger)
	fallback.RegisterDefaults(resolver, store)

	cacheCfg := cache.DefaultConfig()
	cacheCfg.Policy = cfg.policy()
	cacheCfg.SweepInterval = cfg.SweepInterval

	coordCfg := coordinator.Config{
		Transport:    transport,
		Cache:        cacheCfg,
		Fallback:     resolver,
		Connectivity: tracker,
		Logger:       logger,
	}

	var relay *invalidation.RedisRelay
	if redisClient != nil {
		relay = invalidation.NewRedisRelay(redisClient, cfg.InvalidationChannel, logger)
		coordCfg.Broadcaster = relay
	}

	coord, err := coordinator.New(coordCfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	if relay != nil {
		if err := relay.Start(ctx, func(ev invalidation.Event) { coord.ApplyRemote(ev) }); err != nil {
			coord.Close()
			cleanup()
			return nil, nil, err
		}
	}

	g := &gateway{
		coord:     coord,
		batch:     batch.NewFetcher(coord, batch.Config{Logger: &logger}),
		offline:   store,
		tracker:   tracker,
		redis:     redisClient,
		endpoints: map[string]string{},
		logger:    logger.With().Str("component", "gateway").Logger(),
	}
	return g, func() {
		coord.Close()
		cleanup()
	}, nil
}
