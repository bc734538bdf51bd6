package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/MeKo-Tech/recrop/internal/receipt"
)

// DefaultWorkers is the pool size when none is configured.
const DefaultWorkers = 4

// Processor runs one record. *Orchestrator implements it.
type Processor interface {
	Run(ctx context.Context, rec receipt.InputRecord) RecordOutcome
}

// ParallelConfig holds configuration for batch processing.
type ParallelConfig struct {
	MaxWorkers       int              // Number of parallel workers (0 = DefaultWorkers)
	ProgressCallback ProgressCallback // Optional progress reporting
}

// DefaultParallelConfig returns the default pool settings.
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{MaxWorkers: DefaultWorkers}
}

// BatchRunner fans records out to a bounded worker pool.
type BatchRunner struct {
	processor Processor
	recorder  *FailureRecorder
	metrics   *Metrics
	logger    *slog.Logger
}

// NewBatchRunner builds a runner. Crashes and cancelled records are
// recorded through recorder.
func NewBatchRunner(processor Processor, recorder *FailureRecorder, metrics *Metrics, logger *slog.Logger) *BatchRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchRunner{processor: processor, recorder: recorder, metrics: metrics, logger: logger}
}

// recordJob represents a single record processing job.
type recordJob struct {
	index  int
	record receipt.InputRecord
}

// recordResult represents the result of processing a single record.
type recordResult struct {
	index   int
	outcome RecordOutcome
}

// Run processes records with config.MaxWorkers workers and returns one
// outcome per record in input order. A panic while processing a record is
// recovered and recorded as a 500 failure. When ctx is cancelled no new
// record is started; every record that never ran is recorded as a 500
// "cancelled" failure and ctx.Err() is returned.
func (b *BatchRunner) Run(ctx context.Context, records []receipt.InputRecord, config ParallelConfig) ([]RecordOutcome, error) {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = DefaultWorkers
	}
	progress := config.ProgressCallback
	if progress == nil {
		progress = NoOpProgressCallback{}
	}
	observer, _ := progress.(RecordObserver)

	progress.OnStart(len(records))
	defer progress.OnComplete()

	jobs := make(chan recordJob)
	results := make(chan recordResult, len(records))

	var wg sync.WaitGroup
	for range config.MaxWorkers {
		wg.Add(1)
		go b.worker(ctx, jobs, results, &wg, observer)
	}

	// Send jobs until the records run out or ctx is cancelled.
	go func() {
		defer close(jobs)
		for i, rec := range records {
			select {
			case jobs <- recordJob{index: i, record: rec}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	outcomes := make([]RecordOutcome, len(records))
	ran := make([]bool, len(records))
	processed := 0
	for res := range results {
		outcomes[res.index] = res.outcome
		ran[res.index] = true
		processed++
		if n := res.outcome.Failures(); n > 0 {
			progress.OnError(processed, fmt.Errorf("record %s: %d failure(s) %v", res.outcome.Record, n, res.outcome.Codes()))
		}
		progress.OnProgress(processed, len(records))
	}

	err := ctx.Err()
	if err != nil {
		for i, rec := range records {
			if ran[i] {
				continue
			}
			outcomes[i] = b.cancelled(ctx, rec)
			processed++
			progress.OnError(processed, err)
			progress.OnProgress(processed, len(records))
		}
		b.logger.Warn("batch cancelled", "records", len(records), "error", err)
	}
	return outcomes, err
}

// worker processes records from the jobs channel.
func (b *BatchRunner) worker(ctx context.Context, jobs <-chan recordJob, results chan<- recordResult, wg *sync.WaitGroup, observer RecordObserver) {
	defer wg.Done()

	for job := range jobs {
		// A record received after cancellation still runs; its stages
		// fail fast on ctx.
		if observer != nil {
			observer.OnRecordStart(job.record.Identity())
		}
		outcome := b.runOne(ctx, job.record)
		if observer != nil {
			observer.OnRecordDone(outcome)
		}
		results <- recordResult{index: job.index, outcome: outcome}
	}
}

func (b *BatchRunner) runOne(ctx context.Context, rec receipt.InputRecord) (outcome RecordOutcome) {
	start := time.Now()
	if b.metrics != nil {
		b.metrics.InFlight.Inc()
		defer b.metrics.InFlight.Dec()
		defer b.metrics.Records.Inc()
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("worker panic",
				"container_id", rec.ContainerID,
				"line_index", rec.LineIndex,
				"panic", r,
				"stack", string(debug.Stack()))
			outcome = b.recorder.RecordCrash(ctx, rec, r, time.Since(start))
		}
	}()
	return b.processor.Run(ctx, rec)
}

func (b *BatchRunner) cancelled(ctx context.Context, rec receipt.InputRecord) RecordOutcome {
	s := b.recorder.Record(ctx, rec.Identity().WithReceipt(0), rec.Common, receipt.CodeUpstream, "cancelled", rec.PrimarySource())
	return RecordOutcome{Record: rec.Identity(), Summaries: []receipt.SummaryRecord{s}}
}
