// Package main runs the token feed gateway: a websocket endpoint plus an
// HTTP polling fallback over the shared token store, with live change
// fan-out to every connected session.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"koa-gateway/internal/cache"
	"koa-gateway/internal/config"
	"koa-gateway/internal/feed"
	"koa-gateway/internal/gateway"
	"koa-gateway/internal/query"
	"koa-gateway/internal/session"
	"koa-gateway/internal/storage"
	chstore "koa-gateway/internal/storage/clickhouse"
	"koa-gateway/internal/storage/memory"
	"koa-gateway/internal/storage/migrations"
	pgstore "koa-gateway/internal/storage/postgres"
)

// backends holds the storage connections behind the gateway.
type backends struct {
	tokenStore   storage.TokenStore
	historyStore storage.TokenUpdateHistoryStore
	cache        *cache.Cache
	cleanup      func()
}

func main() {
	// Load .env file if exists
	loadEnvFile()

	logger := log.New(os.Stdout, "[gateway] ", log.LstdFlags|log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Configuration error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A store that cannot be reached at startup is fatal; losing it later
	// only degrades queries until it comes back.
	b, err := createBackends(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to create stores: %v", err)
	}
	defer b.cleanup()

	registry := session.NewRegistry()
	engine := query.NewEngine(b.tokenStore, cfg.QueryTimeout, logger)

	watcher := feed.NewWatcher(b.tokenStore, nil, log.New(os.Stdout, "[feed] ", log.LstdFlags|log.Lshortfile))
	runner := feed.NewRunner(feed.RunnerOptions{
		Watcher:        watcher,
		Broadcaster:    feed.NewBroadcaster(registry, logger),
		HistoryStore:   b.historyStore,
		Cache:          b.cache,
		FlushInterval:  cfg.HistoryFlushInterval,
		FlushThreshold: cfg.HistoryFlushThreshold,
		Logger:         logger,
	})

	server := gateway.NewServer(gateway.Options{
		Engine:         engine,
		Registry:       registry,
		History:        b.historyStore,
		Cache:          b.cache,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 3)
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("watcher: %w", err)
		}
	}()
	go func() {
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("feed runner: %w", err)
		}
	}()
	go func() {
		logger.Printf("Listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-errCh:
		logger.Printf("Fatal component error: %v", err)
	}

	// Second signal forces immediate exit
	go func() {
		sig := <-sigCh
		logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
		os.Exit(1)
	}()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP shutdown error: %v", err)
	}

	cancel()
	time.Sleep(100 * time.Millisecond) // let the final history flush go out

	logger.Println("Shutdown complete")
}

// createBackends connects the configured stores and runs migrations.
func createBackends(ctx context.Context, cfg *config.Config, logger *log.Logger) (*backends, error) {
	if cfg.UseMemory {
		logger.Println("Using in-memory storage")
		store := memory.NewTokenStore()
		return &backends{
			tokenStore:   store,
			historyStore: memory.NewTokenUpdateHistoryStore(),
			cleanup:      store.Close,
		}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrations: %w", err)
	}

	b := &backends{tokenStore: pgstore.NewTokenStore(pool)}
	cleanups := []func(){pool.Close}

	if cfg.ClickhouseDSN != "" {
		chConn, err := chstore.NewConn(ctx, cfg.ClickhouseDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("connect to clickhouse: %w", err)
		}
		if err := migrations.RunClickhouseMigrations(ctx, chConn); err != nil {
			chConn.Close()
			pool.Close()
			return nil, fmt.Errorf("clickhouse migrations: %w", err)
		}
		b.historyStore = chstore.NewTokenUpdateHistoryStore(chConn)
		cleanups = append(cleanups, func() { chConn.Close() })
	} else {
		logger.Println("CLICKHOUSE_DSN not set, history trail disabled")
	}

	if cfg.RedisURL != "" {
		c, err := cache.New(cfg.RedisURL, cfg.CacheTTL, logger)
		if err != nil {
			// The cache is an optimization; run without it.
			logger.Printf("Redis unavailable, running without cache: %v", err)
		} else {
			b.cache = c
			cleanups = append(cleanups, func() { c.Close() })
		}
	}

	b.cleanup = func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	return b, nil
}

// loadEnvFile loads environment variables from .env file if it exists.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return // File doesn't exist, use system env vars
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
