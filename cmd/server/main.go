package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/community-platform/internal/api"
	"github.com/ignite/community-platform/internal/config"
	"github.com/ignite/community-platform/internal/dispatch"
	"github.com/ignite/community-platform/internal/pkg/distlock"
	"github.com/ignite/community-platform/internal/pkg/logger"
	"github.com/ignite/community-platform/internal/segmentation"
)

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	applyLogConfig(cfg.Log)

	if cfg.Database.URL == "" {
		logger.Error("database url is required (config database.url or DATABASE_URL)")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.MaxLifetime())

	if err := db.Ping(); err != nil {
		logger.Error("database ping failed", "host", dbHost(cfg.Database.URL), "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database", "host", dbHost(cfg.Database.URL))

	// Dispatch queue is optional; without it the API serves everything but
	// /dispatch.
	var publisher *dispatch.Publisher
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis unavailable, dispatch disabled", "addr", cfg.Redis.Addr, "error", err)
		} else {
			redisClient = client
			publisher = dispatch.NewPublisher(client)
			logger.Info("dispatch queue connected", "addr", cfg.Redis.Addr)
		}
		defer client.Close()
	}

	engine := segmentation.NewEngine(db)
	locks := func(key string) distlock.DistLock {
		return distlock.New(redisClient, db, key, time.Minute)
	}
	segAPI := api.NewSegmentationAPI(engine, publisher, locks, cfg.Preview.SampleSize, cfg.Preview.MaxSampleSize)
	router := api.SetupRoutes(segAPI, cfg.CORS.AllowedOrigins)

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func applyLogConfig(lc config.LogConfig) {
	switch strings.ToLower(lc.Level) {
	case "debug":
		logger.SetLevel(logger.DEBUG)
	case "warn":
		logger.SetLevel(logger.WARN)
	case "error":
		logger.SetLevel(logger.ERROR)
	default:
		logger.SetLevel(logger.INFO)
	}
	if lc.RedactPII != nil {
		logger.SetRedactPII(*lc.RedactPII)
	}
}

// dbHost extracts the host portion of a DSN for logging without leaking
// credentials.
func dbHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}
