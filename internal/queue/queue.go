// Package queue distributes input records over a Redis-backed asynq queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MeKo-Tech/recrop/internal/receipt"
	"github.com/hibiken/asynq"
)

// TypeProcessRecord is the task type carrying one input record.
const TypeProcessRecord = "receipt:process"

// DefaultQueue is the queue records are enqueued on.
const DefaultQueue = "receipts"

// Config holds the Redis connection and task settings.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Queue         string
	Concurrency   int
	MaxRetry      int
	// TaskTimeout bounds one record end to end.
	TaskTimeout time.Duration
}

// DefaultConfig targets a local Redis.
func DefaultConfig() Config {
	return Config{
		RedisAddr:   "127.0.0.1:6379",
		Queue:       DefaultQueue,
		Concurrency: 4,
		MaxRetry:    3,
		TaskTimeout: 5 * time.Minute,
	}
}

func (c Config) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
}

func (c Config) queueName() string {
	if c.Queue == "" {
		return DefaultQueue
	}
	return c.Queue
}

// Payload is the JSON body of a TypeProcessRecord task.
type Payload struct {
	RunID  string              `json:"run_id"`
	Record receipt.InputRecord `json:"record"`
}

// TaskID is the deduplication id of a record within a run.
func TaskID(runID string, rec receipt.InputRecord) string {
	return fmt.Sprintf("%s:%s:%d", runID, rec.ContainerID, rec.LineIndex)
}

// NewProcessTask builds the task for one record.
func NewProcessTask(runID string, rec receipt.InputRecord, opts ...asynq.Option) (*asynq.Task, error) {
	data, err := json.Marshal(Payload{RunID: runID, Record: rec})
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return asynq.NewTask(TypeProcessRecord, data, opts...), nil
}

// ParsePayload decodes a task body. Malformed bodies wrap asynq.SkipRetry.
func ParsePayload(task *asynq.Task) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return Payload{}, fmt.Errorf("invalid %s payload: %v: %w", task.Type(), err, asynq.SkipRetry)
	}
	return p, nil
}

// Enqueuer submits records to the queue.
type Enqueuer struct {
	client *asynq.Client
	config Config
	logger *slog.Logger
}

// NewEnqueuer connects lazily to Redis.
func NewEnqueuer(config Config, logger *slog.Logger) *Enqueuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enqueuer{client: asynq.NewClient(config.redisOpt()), config: config, logger: logger}
}

// Enqueue submits every record under runID and returns the task ids in
// order. A batch that repeats a container and line is rejected before
// anything is queued. A record already queued by an earlier call for the
// same run is skipped.
func (e *Enqueuer) Enqueue(ctx context.Context, runID string, records []receipt.InputRecord) ([]string, error) {
	if err := receipt.CheckUnique(records); err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		id := TaskID(runID, rec)
		task, err := NewProcessTask(runID, rec,
			asynq.TaskID(id),
			asynq.Queue(e.config.queueName()),
			asynq.MaxRetry(e.config.MaxRetry),
			asynq.Timeout(e.config.TaskTimeout),
		)
		if err != nil {
			return ids, err
		}
		info, err := e.client.EnqueueContext(ctx, task)
		switch {
		case errors.Is(err, asynq.ErrTaskIDConflict):
			e.logger.Warn("record already queued", "task_id", id)
			continue
		case err != nil:
			return ids, fmt.Errorf("failed to enqueue %s: %w", id, err)
		}
		ids = append(ids, info.ID)
	}
	e.logger.Info("enqueued records", "run_id", runID, "count", len(ids), "queue", e.config.queueName())
	return ids, nil
}

// Close releases the Redis connection.
func (e *Enqueuer) Close() error {
	return e.client.Close()
}
