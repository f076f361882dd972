package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MagnunAVF/link-shortener/internal"
	"github.com/MagnunAVF/link-shortener/internal/auth"
	applog "github.com/MagnunAVF/link-shortener/internal/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	internal.LoadEnvFile(".env")
	applog.InitFromEnv()
	cfg := internal.LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{Logger: applog.NewGormLogger(cfg.GormLogLevel)})
	if err != nil {
		slog.Error("Unable to connect to database", "err", err)
		os.Exit(1)
	}

	slog.Info("Running GORM auto-migration")
	if err := internal.Migrate(db); err != nil {
		slog.Error("Failed to migrate link tables", "err", err)
		os.Exit(1)
	}
	if err := auth.Migrate(db); err != nil {
		slog.Error("Failed to migrate user table", "err", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("Unable to connect to Redis", "err", err)
		os.Exit(1)
	}

	rabbitConn, err := amqp091.Dial(cfg.RabbitMQURL)
	if err != nil {
		slog.Error("Unable to connect to RabbitMQ", "err", err)
		os.Exit(1)
	}
	defer rabbitConn.Close()

	rabbitCH, err := rabbitConn.Channel()
	if err != nil {
		slog.Error("Unable to open RabbitMQ channel", "err", err)
		os.Exit(1)
	}
	defer rabbitCH.Close()

	if _, err := internal.DeclareClickQueue(rabbitCH, cfg.ClickQueue); err != nil {
		slog.Error("Failed to declare click queue", "err", err)
		os.Exit(1)
	}

	repo := internal.NewLinkRepository(db, internal.WithSweepBatchSize(cfg.SweepBatchSize))
	cache := internal.NewCache(rdb, cfg.CacheTimeout)
	links := internal.NewLinkService(repo, cache, internal.NewAMQPPublisher(rabbitCH, cfg.ClickQueue), internal.ServiceConfig{
		URLCacheTTL:   cfg.URLCacheTTL,
		StatsCacheTTL: cfg.StatsCacheTTL,
		StoreTimeout:  cfg.StoreTimeout,

		// A read that missed before the write can land for up to one
		// store round trip plus one cache write after it.
		ReinvalidateAfter: cfg.StoreTimeout + cfg.CacheTimeout,
	})
	authSvc := auth.NewService(db, auth.NewRedisSessionStore(rdb), cfg.JWTSecret, cfg.TokenTTL)

	go internal.NewSweeper(repo, cache, cfg.SweepInterval).Run(ctx)

	app := newApp(&server{links: links, auth: authSvc, appDomain: cfg.AppDomain})

	go func() {
		<-ctx.Done()
		slog.Info("Shutting down API service")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			slog.Error("Graceful shutdown failed", "err", err)
		}
	}()

	slog.Info("Starting API service", "addr", cfg.APIPort)
	if err := app.Listen(cfg.APIPort); err != nil {
		slog.Error("API service stopped", "err", err)
		os.Exit(1)
	}
	links.Wait()
}
