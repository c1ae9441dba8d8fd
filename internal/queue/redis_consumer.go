/**
 * Direct Redis Queue Consumer for the OCR Worker
 *
 * Jobs are IDs pushed onto a Redis LIST; the job body lives in the hash
 * <queue>:data. Status sets, results, errors and lifecycle events use the
 * same key layout as the producers' RedisQueue implementation.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/processor"
)

var errNoJobs = stderrors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client    *redis.Client
	processor processor.DocumentProcessorInterface
	config    *RedisConsumerConfig
	limiter   *rate.Limiter
	progress  *progressPublisher
	logger    *logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	Client            *redis.Client
	QueueName         string
	Concurrency       int
	Processor         processor.DocumentProcessorInterface
	ProcessingTimeout time.Duration
	JobRateLimit      float64 // jobs per second, 0 = unlimited
	Logger            *logging.Logger
}

// NewRedisConsumer creates a new Redis-based queue consumer. The client is
// shared and is not closed by Stop.
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = "ocr:jobs"
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 330 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("[RedisConsumer]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := cfg.Client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, consumerCancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:    cfg.Client,
		processor: cfg.Processor,
		config:    cfg,
		limiter:   newLimiter(cfg.JobRateLimit, cfg.Concurrency),
		progress:  newProgressPublisher(cfg.Client, cfg.QueueName, logger),
		logger:    logger,
		ctx:       consumerCtx,
		cancel:    consumerCancel,
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer",
		"concurrency", c.config.Concurrency,
		"queue", c.config.QueueName,
		"rateLimit", c.config.JobRateLimit)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	return nil
}

// Stop waits for in-flight jobs after cancelling the intake loop
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer")
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
		}

		if err := waitTurn(c.ctx, c.limiter); err != nil {
			continue
		}

		if err := c.processNextJob(); err != nil {
			if !stderrors.Is(err, errNoJobs) && c.ctx.Err() == nil {
				c.logger.Warn("Worker error", "worker", id, "error", err)
				time.Sleep(time.Second)
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil || c.ctx.Err() != nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	id := result[1]

	jobData, err := c.client.HGet(c.ctx, c.key("data"), id).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		c.markFailed(id, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}
	if err := job.Payload.Validate(); err != nil {
		c.markFailed(job.Payload.JobID, map[string]interface{}{"error": err.Error()})
		return err
	}

	c.updateJobStatus(job.Payload.JobID, "processing", nil)

	processResult, err := c.processJob(&job)
	if err == nil {
		c.updateJobStatus(job.Payload.JobID, "completed", processResult)
		return nil
	}

	c.logger.Warn("Job failed", "jobId", job.Payload.JobID, "attempt", job.Attempts+1, "error", err)

	job.Attempts++
	if job.Attempts < job.MaxRetries && retryable(err) {
		updatedData, _ := json.Marshal(job)
		c.client.HSet(c.ctx, c.key("data"), job.ID, updatedData)
		c.client.LPush(c.ctx, c.config.QueueName, job.ID)
		c.logger.Info("Job re-queued for retry", "jobId", job.Payload.JobID, "attempt", job.Attempts, "maxRetries", job.MaxRetries)
		return nil
	}

	failure := map[string]interface{}{
		"error":    err.Error(),
		"attempts": job.Attempts,
	}
	var perr *errors.ProcessingError
	if stderrors.As(err, &perr) {
		for k, v := range perr.ToMap() {
			failure[k] = v
		}
	}
	c.updateJobStatus(job.Payload.JobID, "failed", failure)
	return nil
}

// processJob runs the job under the per-job timeout
func (c *RedisConsumer) processJob(job *RedisJobData) (*processor.ProcessResult, error) {
	start := time.Now()
	request := job.Payload.Request()

	ctx, cancel := context.WithTimeout(context.Background(), c.config.ProcessingTimeout)
	defer cancel()

	progress, stopProgress := c.progress.start(ctx, request.JobID)
	request.Progress = progress
	result, err := c.processor.ProcessDocument(ctx, request)
	stopProgress()

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			c.logger.Error("Job timed out", "jobId", request.JobID,
				"elapsed", time.Since(start).String(), "timeout", c.config.ProcessingTimeout.String())
			return nil, errors.NewProcessingTimeoutError(request.JobID, c.config.ProcessingTimeout, err)
		}
		return nil, err
	}

	c.logger.Info("Job completed", "jobId", request.JobID, "elapsed", time.Since(start).String(),
		"confidence", result.Confidence, "cached", result.Cached)
	return result, nil
}

// updateJobStatus updates the status of a job in both Redis and PostgreSQL
func (c *RedisConsumer) updateJobStatus(jobID string, status string, result interface{}) {
	switch status {
	case "processing":
		c.client.SAdd(c.ctx, c.key("processing"), jobID)
		if err := c.processor.UpdateJobStatus(c.ctx, jobID, status, 0, map[string]interface{}{}); err != nil {
			c.logger.Warn("Failed to record processing status", "jobId", jobID, "error", err)
		}

	case "completed":
		c.client.SRem(c.ctx, c.key("processing"), jobID)
		c.client.SAdd(c.ctx, c.key("completed"), jobID)

		processResult, ok := result.(*processor.ProcessResult)
		if !ok {
			c.logger.Warn("Completed job has no result", "jobId", jobID)
			break
		}
		if data, err := json.Marshal(processResult.OCR); err == nil {
			c.client.HSet(c.ctx, c.key("results"), jobID, data)
		}
		if err := c.processor.UpdateJobStatus(c.ctx, jobID, status, 100, completionMetadata(processResult)); err != nil {
			c.logger.Error("Failed to record completed status", "jobId", jobID, "error", err)
		}

	case "failed":
		c.markFailed(jobID, result)
	}

	c.publishEvent(jobID, status)
}

func (c *RedisConsumer) markFailed(jobID string, result interface{}) {
	c.client.SRem(c.ctx, c.key("processing"), jobID)
	c.client.SAdd(c.ctx, c.key("failed"), jobID)

	metadata, _ := result.(map[string]interface{})
	if metadata == nil {
		metadata = map[string]interface{}{"error": "Unknown error"}
	}
	if data, err := json.Marshal(metadata); err == nil {
		c.client.HSet(c.ctx, c.key("errors"), jobID, data)
	}

	if code, ok := metadata["error_code"].(string); ok {
		metadata["errorCode"] = code
	}
	if err := c.processor.UpdateJobStatus(c.ctx, jobID, "failed", 100, metadata); err != nil {
		c.logger.Warn("Failed to record failed status", "jobId", jobID, "error", err)
	}
}

// publishEvent publishes a lifecycle event on <queue>:events
func (c *RedisConsumer) publishEvent(jobID, status string) {
	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	eventData, _ := json.Marshal(event)
	c.client.Publish(c.ctx, c.key("events"), eventData)
}

func (c *RedisConsumer) key(suffix string) string {
	return fmt.Sprintf("%s:%s", c.config.QueueName, suffix)
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.config.QueueName)
	processing := pipe.SCard(ctx, c.key("processing"))
	completed := pipe.SCard(ctx, c.key("completed"))
	failed := pipe.SCard(ctx, c.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}

// retryable reports whether another attempt could change the outcome. A
// diagnostic OCR tag or an unsupported format is final.
func retryable(err error) bool {
	var perr *errors.ProcessingError
	if stderrors.As(err, &perr) {
		switch perr.Code {
		case errors.ErrorOCRFailed, errors.ErrorUnsupportedFormat:
			return false
		}
	}
	return true
}
