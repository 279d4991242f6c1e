package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/geocoder89/authhub/internal/auth"
	"github.com/geocoder89/authhub/internal/cache"
	"github.com/geocoder89/authhub/internal/config"
	"github.com/geocoder89/authhub/internal/db"
	"github.com/geocoder89/authhub/internal/observability"
	"github.com/geocoder89/authhub/internal/ops"
	"github.com/geocoder89/authhub/internal/repo/memory"
	"github.com/geocoder89/authhub/internal/repo/postgres"
	"github.com/geocoder89/authhub/internal/rpc"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()

	log := observability.NewLogger(cfg.Env)
	slog.SetDefault(log)

	if cfg.OTLPEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(context.Background(), "authhub-authd", cfg.OTLPEndpoint)

		if err != nil {
			log.Error("tracer init failed", "err", err)
			os.Exit(1)
		}

		defer func() {
			ctx, cancel := config.WithTimeout(5 * time.Second)
			defer cancel()
			_ = shutdownTracer(ctx)
		}()
	}

	prom := observability.NewProm(prometheus.DefaultRegisterer)

	// wire the store
	var (
		store     auth.Store
		readiness ops.ReadinessDeps
	)

	if cfg.Store == "memory" {
		log.Warn("using in-memory user store; accounts will not survive a restart")
		store = memory.NewUsersRepo()
	} else {
		pool, err := db.NewPool(cfg.DBURL)

		if err != nil {
			log.Error("db connect failed", "err", err)
			os.Exit(1)
		}

		defer pool.Close()

		store = postgres.NewUsersRepo(pool, prom)
		readiness = pool
	}

	// users-list cache: redis when configured, in-process otherwise
	var listCache cache.Cache

	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedis(cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      5 * time.Second,
		})

		pingCtx, cancel := config.WithTimeout(2 * time.Second)
		err := redisCache.Ping(pingCtx)
		cancel()

		if err != nil {
			log.Error("redis unreachable", "addr", cfg.RedisAddr, "err", err)
			os.Exit(1)
		}

		defer redisCache.Close()

		listCache = redisCache
	} else {
		listCache = cache.NewMemory(5 * time.Second)
	}

	svc := auth.NewService(store, listCache, log)

	srv := rpc.NewServer(
		rpc.WithServerLogger(log),
		rpc.WithServerMetrics(prom),
	)
	auth.RegisterCommands(srv, svc)

	// operational endpoints
	var shuttingDown atomic.Bool

	opsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           ops.Handler(readiness, shuttingDown.Load),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		err := opsSrv.ListenAndServe()

		if err != nil && err != http.ErrServerClosed {
			log.Error("ops server failed", "err", err)
		}
	}()

	go func() {
		log.Info("authd starting", "addr", cfg.AuthAddr(), "env", cfg.Env, "store", cfg.Store)

		if err := srv.ListenAndServe(cfg.AuthAddr()); err != nil {
			log.Error("command channel failed", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shuttingDown.Store(true)
	log.Info("authd shutting down")

	ctx, cancel := config.WithTimeout(10 * time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "err", err)
	}

	_ = opsSrv.Shutdown(ctx)

	log.Info("shutdown complete")
}
