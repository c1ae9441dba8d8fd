/**
 * Asynq Queue Consumer for the OCR Worker
 *
 * Alternative to the LIST consumer: jobs are asynq tasks of type
 * "ocr:document" whose payload is a JSON JobPayload.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/processor"
)

// TaskTypeOCRDocument is the asynq task type handled by Consumer
const TaskTypeOCRDocument = "ocr:document"

const (
	defaultMaxRetry = 3
	maxRetryDelay   = 60 * time.Second
)

// Consumer handles job consumption through asynq
type Consumer struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.DocumentProcessorInterface
	config    *ConsumerConfig
	limiter   *rate.Limiter
	progress  *progressPublisher
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.DocumentProcessorInterface
	ProcessingTimeout time.Duration
	JobRateLimit      float64
	ProgressClient    *redis.Client // optional; enables <queue>:progress
	Logger            *logging.Logger
}

// retryDelay backs off exponentially from 5s, capped at one minute
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 8 {
		return maxRetryDelay
	}
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 330 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("[AsynqConsumer]")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: retryDelay,
			IsFailure: func(err error) bool {
				return !stderrors.Is(err, asynq.SkipRetry)
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Warn("Task processing error", "type", task.Type(), "retry", retried, "maxRetry", maxRetry, "error", err)
			}),
		},
	)

	mux := asynq.NewServeMux()

	consumer := &Consumer{
		client:    client,
		server:    server,
		mux:       mux,
		processor: cfg.Processor,
		config:    cfg,
		limiter:   newLimiter(cfg.JobRateLimit, cfg.Concurrency),
		progress:  newProgressPublisher(cfg.ProgressClient, cfg.QueueName, logger),
		logger:    logger,
	}

	mux.HandleFunc(TaskTypeOCRDocument, consumer.handleOCRDocument)

	return consumer, nil
}

// NewOCRTask builds a task for payload
func NewOCRTask(payload *JobPayload, opts ...asynq.Option) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	return asynq.NewTask(TaskTypeOCRDocument, data, opts...), nil
}

// Enqueue submits an OCR job to this consumer's queue
func (c *Consumer) Enqueue(ctx context.Context, payload *JobPayload) (*asynq.TaskInfo, error) {
	task, err := NewOCRTask(payload,
		asynq.Queue(c.config.QueueName),
		asynq.MaxRetry(defaultMaxRetry),
		asynq.Timeout(c.config.ProcessingTimeout),
		asynq.TaskID(payload.JobID),
	)
	if err != nil {
		return nil, err
	}

	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job %s: %w", payload.JobID, err)
	}
	return info, nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting asynq consumer",
		"concurrency", c.config.Concurrency,
		"queue", c.config.QueueName,
		"rateLimit", c.config.JobRateLimit)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping asynq consumer")

	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}

	c.logger.Info("Asynq consumer stopped")
	return nil
}

// handleOCRDocument processes one OCR task
func (c *Consumer) handleOCRDocument(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if err := waitTurn(ctx, c.limiter); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	log := c.logger.With("jobId", payload.JobID)
	log.Info("Processing OCR task", "filename", payload.Filename, "size", payload.FileSize)

	if err := c.processor.UpdateJobStatus(ctx, payload.JobID, "processing", 0, map[string]interface{}{}); err != nil {
		log.Warn("Failed to update status to processing", "error", err)
	}

	processCtx, cancel := context.WithTimeout(ctx, c.config.ProcessingTimeout)
	defer cancel()

	request := payload.Request()
	progress, stopProgress := c.progress.start(processCtx, payload.JobID)
	request.Progress = progress
	result, err := c.processor.ProcessDocument(processCtx, request)
	stopProgress()

	duration := time.Since(startTime)

	if err != nil {
		if processCtx.Err() == context.DeadlineExceeded {
			log.Error("Processing timed out", "elapsed", duration.String(), "timeout", c.config.ProcessingTimeout.String())

			timeoutErr := errors.NewProcessingTimeoutError(payload.JobID, c.config.ProcessingTimeout, err)
			if updateErr := c.processor.UpdateJobStatus(ctx, payload.JobID, "failed", 100, timeoutErr.ToMap()); updateErr != nil {
				log.Warn("Failed to update status to failed", "error", updateErr)
			}

			return fmt.Errorf("processing timeout: %w", timeoutErr)
		}

		log.Warn("Processing failed", "elapsed", duration.String(), "error", err)

		failure := map[string]interface{}{
			"error":          err.Error(),
			"processingTime": duration.Milliseconds(),
		}
		var perr *errors.ProcessingError
		if stderrors.As(err, &perr) {
			failure["errorCode"] = string(perr.Code)
		}
		if updateErr := c.processor.UpdateJobStatus(ctx, payload.JobID, "failed", 100, failure); updateErr != nil {
			log.Warn("Failed to update status to failed", "error", updateErr)
		}

		if !retryable(err) {
			return fmt.Errorf("ocr processing failed: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("ocr processing failed: %w", err)
	}

	log.Info("Processing completed", "elapsed", duration.String(),
		"confidence", result.Confidence, "engine", result.Engine, "resultId", result.ResultID)

	if err := c.processor.UpdateJobStatus(ctx, payload.JobID, "completed", 100, completionMetadata(result)); err != nil {
		log.Warn("Failed to update status to completed", "error", err)
	}

	return nil
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
		"rateLimit":   c.config.JobRateLimit,
	}
}
