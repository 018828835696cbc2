package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ronkeiser/wonder/cmd/coordinator/clients"
	"github.com/ronkeiser/wonder/cmd/coordinator/defcache"
	"github.com/ronkeiser/wonder/cmd/coordinator/dispatcher"
	"github.com/ronkeiser/wonder/cmd/coordinator/handlers"
	"github.com/ronkeiser/wonder/cmd/coordinator/resources"
	"github.com/ronkeiser/wonder/cmd/coordinator/routes"
	"github.com/ronkeiser/wonder/common/config"
	"github.com/ronkeiser/wonder/common/db"
	"github.com/ronkeiser/wonder/common/logger"
	"github.com/ronkeiser/wonder/common/redis"
	"github.com/ronkeiser/wonder/common/server"
	"github.com/ronkeiser/wonder/common/telemetry"
)

const clientTimeout = 30 * time.Second

func main() {
	ctx := context.Background()

	cfg, err := config.Load("coordinator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	tel := telemetry.New(cfg.Telemetry.PprofPort, cfg.Telemetry.EnablePprof, log)
	if err := tel.Start(ctx); err != nil {
		log.Error("failed to start telemetry", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to connect to resources store", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	redisClient := redis.NewClient(goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}), log)
	if err := redisClient.Ping(ctx); err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	if cfg.LocalStore.Dir != ":memory:" {
		if err := os.MkdirAll(cfg.LocalStore.Dir, 0o755); err != nil {
			log.Error("failed to create local store dir", "dir", cfg.LocalStore.Dir, "error", err)
			os.Exit(1)
		}
	}

	res := resources.NewClient(database, log)
	registry := dispatcher.NewRegistry(dispatcher.RegistryOpts{
		Config:    cfg,
		Defs:      defcache.New(res, cfg.Features.DefCacheCapacity),
		Resources: res,
		Executor:  clients.NewExecutorClient(cfg.Effects.ExecutorBaseURL, clientTimeout, log),
		Peers:     clients.NewPeerClient(cfg.Service.BaseURL, clientTimeout, log),
		Redis:     redisClient,
		Logger:    log,
	})

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	routes.Register(e, handlers.New(registry, log))

	srv := server.New(server.Opts{
		Name:    "coordinator",
		Port:    cfg.Service.Port,
		Handler: e,
		Logger:  log,
	})
	srv.OnShutdown(func(context.Context) { registry.Shutdown() })
	if err := srv.Run(); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
