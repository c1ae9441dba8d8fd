/**
 * OCR Worker - Main Entry Point
 *
 * Consumes OCR jobs from Redis (LIST queue or asynq), runs the local
 * Tesseract pipeline and records results in PostgreSQL with a Redis
 * result cache in front.
 */

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/ocr-worker/internal/config"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/processor"
	"github.com/adverant/nexus/ocr-worker/internal/queue"
	"github.com/adverant/nexus/ocr-worker/internal/storage"
)

// consumer is the part of both queue backends main drives
type consumer interface {
	start(ctx context.Context) error
	stop(ctx context.Context) error
}

type redisListConsumer struct{ c *queue.RedisConsumer }

func (r redisListConsumer) start(context.Context) error { return r.c.Start() }
func (r redisListConsumer) stop(context.Context) error  { return r.c.Stop() }

type asynqConsumer struct{ c *queue.Consumer }

func (a asynqConsumer) start(ctx context.Context) error { return a.c.Start(ctx) }
func (a asynqConsumer) stop(ctx context.Context) error  { return a.c.Stop(ctx) }

func main() {
	logger := logging.NewLogger("[Worker]")
	defer logger.Sync()

	if err := godotenv.Load(".env.nexus"); err != nil {
		logger.Warn(".env.nexus not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.SetLevel(cfg.LogLevel)

	logger.Info("OCR worker starting",
		"queueBackend", cfg.QueueBackend,
		"queue", cfg.QueueName,
		"workers", cfg.WorkerConcurrency,
		"languages", cfg.OCR.Languages,
		"persistent", cfg.DatabaseURL != "")

	ctx := context.Background()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("Invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	cache := storage.NewResultCache(redisClient, time.Duration(cfg.ResultCacheTTL)*time.Second)
	storageManager, err := storage.NewStorageManager(ctx, cfg.DatabaseURL, cache)
	if err != nil {
		logger.Error("Failed to initialize storage manager", "error", err)
		os.Exit(1)
	}

	proc, err := processor.NewDocumentProcessor(&processor.ProcessorConfig{
		OCR:            cfg.OCR,
		StorageManager: storageManager,
		Logger:         logging.NewLogger("[Processor]"),
	})
	if err != nil {
		logger.Error("Failed to initialize document processor", "error", err)
		os.Exit(1)
	}

	var queueConsumer consumer
	switch cfg.QueueBackend {
	case "asynq":
		c, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: cfg.JobTimeout(),
			JobRateLimit:      cfg.JobRateLimit,
			ProgressClient:    redisClient,
		})
		if err != nil {
			logger.Error("Failed to initialize asynq consumer", "error", err)
			os.Exit(1)
		}
		queueConsumer = asynqConsumer{c}
	default:
		c, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			Client:            redisClient,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: cfg.JobTimeout(),
			JobRateLimit:      cfg.JobRateLimit,
		})
		if err != nil {
			logger.Error("Failed to initialize queue consumer", "error", err)
			os.Exit(1)
		}
		queueConsumer = redisListConsumer{c}
	}

	if err := queueConsumer.start(ctx); err != nil {
		logger.Error("Failed to start queue consumer", "error", err)
		os.Exit(1)
	}
	logger.Info("OCR worker is ready, waiting for jobs",
		"jobTimeout", cfg.JobTimeout().String(),
		"maxPages", cfg.OCR.MaxPages)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("Received signal, initiating graceful shutdown", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.JobTimeout())
	defer cancel()

	if err := queueConsumer.stop(shutdownCtx); err != nil {
		logger.Warn("Error stopping queue consumer", "error", err)
	}

	if err := proc.TerminateEngine(); err != nil {
		logger.Warn("Error terminating OCR engine", "error", err)
	}

	if err := storageManager.Close(); err != nil {
		logger.Warn("Error closing storage manager", "error", err)
	}

	logger.Info("Shutdown complete")
}
