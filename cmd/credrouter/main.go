// Package main is the entry point for the credrouter service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	"github.com/howard-nolan/credrouter/internal/config"
	"github.com/howard-nolan/credrouter/internal/keystore"
	"github.com/howard-nolan/credrouter/internal/logging"
	"github.com/howard-nolan/credrouter/internal/policy"
	"github.com/howard-nolan/credrouter/internal/provider"
	"github.com/howard-nolan/credrouter/internal/rotator"
	"github.com/howard-nolan/credrouter/internal/router"
	"github.com/howard-nolan/credrouter/internal/server"
	"github.com/howard-nolan/credrouter/internal/state"
	"github.com/howard-nolan/credrouter/internal/usage"
)

func main() {
	configPath := "config.yaml"
	if p := os.Getenv("CREDROUTER_CONFIG"); p != "" {
		configPath = p
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("credrouter stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Shared state (Redis) ---
	redisClient := state.NewClient(cfg.Redis.Addrs, cfg.Redis.Password, cfg.Redis.DB)
	defer redisClient.Close()
	st := state.NewRedisStore(redisClient, cfg.Redis.KeyPrefix, logger)
	if err := st.Ping(ctx); err != nil {
		// Not fatal: every state operation fails open.
		logger.Warn("redis unreachable at startup, running without shared state", "error", err)
	}

	// --- Durable store (Postgres or in-memory) ---
	keys, closeKeys, err := openKeystore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeKeys()

	// --- Routing components ---
	baseURLs := make(map[string]string, len(cfg.Providers))
	for name, p := range cfg.Providers {
		if !provider.Supported(name) {
			return fmt.Errorf("unknown provider in config: %q", name)
		}
		baseURLs[name] = p.BaseURL
	}
	factory := provider.NewFactory(nil, baseURLs)

	cache := policy.New(keys, st, cfg.Policy.CacheTTL, logger)
	rot := rotator.New(st, cfg.Router.Cooldowns, logger)
	buffer := usage.NewBuffer(keys, st, cfg.Usage, logger)
	sweeper := usage.NewSweeper(keys, st, cache, cfg.Usage.SweepInterval, cfg.Usage.ExhaustionStaleAfter, logger)

	rt := router.New(cfg, router.Deps{
		Keys:      keys,
		Cache:     cache,
		Rotator:   rot,
		Providers: factory,
		Usage:     buffer,
		Logger:    logger,
	})

	// --- Background loops ---
	loopCtx, stopLoops := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Go(func() { buffer.Run(loopCtx) })
	wg.Go(func() { sweeper.Run(loopCtx) })
	wg.Go(func() { cache.Watch(loopCtx, cfg.Policy.WatchInterval) })

	// --- HTTP ---
	srv := server.New(cfg, server.Deps{
		Router:    rt,
		Keys:      keys,
		Providers: factory,
		State:     st,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("credrouter listening", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		stopLoops()
		wg.Wait()
		return fmt.Errorf("http server: %w", err)
	}

	// Drain in-flight requests first so their usage lands in the buffer
	// before the buffer's final flush.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	stopLoops()
	wg.Wait()
	logger.Info("shutdown complete")
	return nil
}

// openKeystore returns the Postgres store when a DSN is configured and a
// seeded in-memory store otherwise.
func openKeystore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (keystore.Store, func(), error) {
	if cfg.Postgres.DSN == "" {
		logger.Warn("no postgres dsn configured, using in-memory keystore")
		return seedMemory(cfg, logger), func() {}, nil
	}

	pool, err := keystore.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		return nil, nil, err
	}
	pg := keystore.NewPostgres(pool)
	if cfg.Postgres.Migrate {
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}
	return pg, pool.Close, nil
}

// seedMemory creates one shared credential per configured provider that
// has an API key, bound to each of its listed models.
func seedMemory(cfg *config.Config, logger *slog.Logger) *keystore.Memory {
	mem := keystore.NewMemory()

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := cfg.Providers[name]
		if p.APIKey == "" {
			logger.Warn("provider has no api key, skipping", "provider", name)
			continue
		}
		cred := mem.AddCredential(keystore.Credential{
			Name:     name + "-default",
			Secret:   p.APIKey,
			Provider: name,
			BaseURL:  p.BaseURL,
			Active:   true,
		})
		for _, model := range p.Models {
			mem.AddBinding(keystore.ModelBinding{CredentialID: cred.ID, Model: model, Enabled: true})
			logger.Info("registered model", "model", model, "provider", name)
		}
	}
	return mem
}
