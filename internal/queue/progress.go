package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/pipeline"
)

// progressBuffer bounds how many page events wait for publishing before
// the pipeline starts dropping them
const progressBuffer = 64

// progressMessage is published on <queue>:progress
type progressMessage struct {
	Event      string         `json:"event"`
	JobID      string         `json:"jobId"`
	Stage      pipeline.Stage `json:"stage"`
	PageNum    int            `json:"pageNum"`
	TotalPages int            `json:"totalPages"`
	Timestamp  string         `json:"timestamp"`
}

func newProgressMessage(jobID string, ev pipeline.ProgressEvent, now time.Time) progressMessage {
	return progressMessage{
		Event:      "job:progress",
		JobID:      jobID,
		Stage:      ev.Stage,
		PageNum:    ev.PageNum,
		TotalPages: ev.TotalPages,
		Timestamp:  now.Format(time.RFC3339),
	}
}

// progressPublisher forwards pipeline progress to Redis pub/sub
type progressPublisher struct {
	client  *redis.Client
	channel string
	logger  *logging.Logger
}

func newProgressPublisher(client *redis.Client, queueName string, logger *logging.Logger) *progressPublisher {
	if client == nil {
		return nil
	}
	return &progressPublisher{client: client, channel: fmt.Sprintf("%s:progress", queueName), logger: logger}
}

// start returns the channel to hand to the pipeline and a stop function
// that drains it. A nil publisher returns a nil channel.
func (p *progressPublisher) start(ctx context.Context, jobID string) (chan<- pipeline.ProgressEvent, func()) {
	if p == nil {
		return nil, func() {}
	}

	events := make(chan pipeline.ProgressEvent, progressBuffer)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for ev := range events {
			data, err := json.Marshal(newProgressMessage(jobID, ev, time.Now()))
			if err != nil {
				continue
			}
			if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
				p.logger.Debug("Failed to publish progress", "jobId", jobID, "error", err)
			}
		}
	}()

	return events, func() {
		close(events)
		<-done
	}
}

// newLimiter returns nil for an unlimited rate
func newLimiter(jobsPerSecond float64, burst int) *rate.Limiter {
	if jobsPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(jobsPerSecond), max(burst, 1))
}

// waitTurn blocks until the limiter admits another job
func waitTurn(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}
