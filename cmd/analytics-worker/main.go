package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MagnunAVF/link-shortener/internal"
	applog "github.com/MagnunAVF/link-shortener/internal/logger"
)

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
	if err := internal.Migrate(db); err != nil {
		slog.Error("Failed to migrate link tables", "err", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("Redis unreachable, stats cache will not be refreshed", "err", err)
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

	q, err := internal.DeclareClickQueue(rabbitCH, cfg.ClickQueue)
	if err != nil {
		slog.Error("Failed to declare queue", "err", err)
		os.Exit(1)
	}

	// Prefetch one batch worth of messages.
	if err := rabbitCH.Qos(defaultBatchSize, 0, false); err != nil {
		slog.Error("Failed to set QoS", "err", err)
		os.Exit(1)
	}

	msgs, err := rabbitCH.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		slog.Error("Failed to register consumer", "err", err)
		os.Exit(1)
	}

	repo := internal.NewLinkRepository(db)
	cache := internal.NewCache(rdb, cfg.CacheTimeout)

	slog.Info("Analytics worker started. Waiting for click events...", "queue", q.Name)
	newWorker(repo, cache).run(ctx, msgs)
	slog.Info("Analytics worker stopped")
}
