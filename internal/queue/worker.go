package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/MeKo-Tech/recrop/internal/pipeline"
	"github.com/hibiken/asynq"
)

// Handler runs TypeProcessRecord tasks through a pipeline.Processor.
type Handler struct {
	processor pipeline.Processor
	recorder  *pipeline.FailureRecorder
	logger    *slog.Logger
	// OnOutcome, when set, receives every finished record.
	OnOutcome func(Payload, pipeline.RecordOutcome)
}

// NewHandler wraps processor. recorder stores the 500 row of a record whose
// processing panics; it may be nil.
func NewHandler(processor pipeline.Processor, recorder *pipeline.FailureRecorder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{processor: processor, recorder: recorder, logger: logger}
}

// ProcessTask implements asynq.Handler. Pipeline failures are recorded by
// the processor, so only malformed payloads and panics return an error.
// Neither is retried.
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) (err error) {
	p, err := ParsePayload(task)
	if err != nil {
		h.logger.Error("dropping task", "type", task.Type(), "error", err)
		return err
	}

	start := time.Now()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		h.logger.Error("task panicked",
			"run_id", p.RunID,
			"container_id", p.Record.ContainerID,
			"line_index", p.Record.LineIndex,
			"panic", r,
			"stack", string(debug.Stack()))
		if h.recorder != nil {
			outcome := h.recorder.RecordCrash(ctx, p.Record, r, time.Since(start))
			if h.OnOutcome != nil {
				h.OnOutcome(p, outcome)
			}
		}
		err = fmt.Errorf("record %s panicked: %v: %w", p.Record.Identity(), r, asynq.SkipRetry)
	}()

	outcome := h.processor.Run(ctx, p.Record)
	h.logger.Info("task processed",
		"run_id", p.RunID,
		"container_id", p.Record.ContainerID,
		"line_index", p.Record.LineIndex,
		"summaries", len(outcome.Summaries),
		"failures", outcome.Failures(),
		"elapsed", time.Since(start).Round(time.Millisecond))
	if h.OnOutcome != nil {
		h.OnOutcome(p, outcome)
	}
	return nil
}

// Worker consumes records from the queue.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *slog.Logger
}

// NewWorker builds a worker routing TypeProcessRecord to handler.
func NewWorker(config Config, handler asynq.Handler, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = pipeline.DefaultWorkers
	}
	server := asynq.NewServer(config.redisOpt(), asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{config.queueName(): 10, "default": 1},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			delay := time.Duration(5*(1<<uint(n))) * time.Second
			if delay > time.Minute {
				delay = time.Minute
			}
			return delay
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Error("task failed", "type", task.Type(), "error", err)
		}),
		Logger:   slogAdapter{logger: logger.With("component", "asynq")},
		LogLevel: asynq.WarnLevel,
	})

	mux := asynq.NewServeMux()
	mux.Handle(TypeProcessRecord, handler)
	return &Worker{server: server, mux: mux, logger: logger}
}

// Mux exposes the task router.
func (w *Worker) Mux() *asynq.ServeMux { return w.mux }

// Run blocks until the server receives a termination signal.
func (w *Worker) Run() error {
	w.logger.Info("starting queue worker")
	if err := w.server.Run(w.mux); err != nil {
		return fmt.Errorf("queue worker stopped: %w", err)
	}
	return nil
}

// Shutdown stops fetching tasks and waits for active ones.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
}

// slogAdapter satisfies asynq.Logger.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Debug(args ...interface{}) { a.logger.Debug(fmt.Sprint(args...)) }
func (a slogAdapter) Info(args ...interface{})  { a.logger.Info(fmt.Sprint(args...)) }
func (a slogAdapter) Warn(args ...interface{})  { a.logger.Warn(fmt.Sprint(args...)) }
func (a slogAdapter) Error(args ...interface{}) { a.logger.Error(fmt.Sprint(args...)) }
func (a slogAdapter) Fatal(args ...interface{}) { a.logger.Error(fmt.Sprint(args...)) }
