package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/lyzr/flowengine/common/config"
	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/engine"
	"github.com/lyzr/flowengine/events"
	"github.com/lyzr/flowengine/ports"
	"github.com/lyzr/flowengine/ports/postgres"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load("monitor")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	store, closeStore := setupStore(ctx, cfg, log)
	defer closeStore()

	sink := setupRedisSink(ctx, cfg, log)

	eng, err := engine.New(engine.Options{
		Config: cfg.Engine,
		Store:  store,
		Sink:   sink,
		Logger: log,
	})
	if err != nil {
		log.Error("failed to create engine", "error", err.Error())
		os.Exit(1)
	}
	defer eng.Close()

	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	reaper := engine.NewReaper(engine.ReaperOptions{
		Engine:   eng,
		Store:    store,
		StaleAge: cfg.Engine.StaleRunningAfter,
		Logger:   log,
	})
	go reaper.Run(reaperCtx)

	e := setupEcho()
	setupMiddleware(e)

	server := NewServer(eng, store, log)
	server.RegisterRoutes(e)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	startServer(e, cfg, log)
}

// setupStore connects Postgres when POSTGRES_ENABLED is set, otherwise the
// engine runs on the in-memory store
func setupStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (ports.Store, func()) {
	if os.Getenv("POSTGRES_ENABLED") != "true" {
		log.Info("persistence disabled, using in-memory store")
		return ports.NewNullStore(), func() {}
	}

	store, err := postgres.Connect(ctx, cfg, log)
	if err != nil {
		log.Error("failed to connect to postgres", "error", err.Error())
		os.Exit(1)
	}
	log.Info("connected to postgres", "host", cfg.Database.Host, "db", cfg.Database.Database)
	return store, store.Close
}

// setupRedisSink wires the optional Redis event relay
func setupRedisSink(ctx context.Context, cfg *config.Config, log *logger.Logger) events.Publisher {
	if !cfg.Redis.Enabled {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
		DB:   cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unavailable, event relay disabled", "addr", cfg.Redis.Addr, "error", err.Error())
		return nil
	}

	log.Info("redis event relay enabled", "addr", cfg.Redis.Addr)
	return events.NewRedisSink(events.RedisSinkOptions{
		Client: client,
		TTL:    cfg.Engine.TerminalRetention,
		Logger: log,
	})
}

func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
}

func startServer(e *echo.Echo, cfg *config.Config, log *logger.Logger) {
	addr := fmt.Sprintf(":%d", cfg.Service.Port)

	go func() {
		log.Info("monitor listening", "addr", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err.Error())
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err.Error())
	}
}
