// Package batch loads input manifests, runs them through the pipeline and
// formats the batch report.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/MeKo-Tech/recrop/internal/pipeline"
	"github.com/MeKo-Tech/recrop/internal/receipt"
)

// ErrNoRecords is returned when a batch has nothing to process.
var ErrNoRecords = errors.New("no input records found")

// ProcessBatch runs records through runner. On cancellation the partial
// result is returned together with the error; every record still has an
// outcome.
func ProcessBatch(ctx context.Context, runner *pipeline.BatchRunner, records []receipt.InputRecord, config *Config) (*Result, error) {
	if len(records) == 0 {
		return nil, ErrNoRecords
	}

	workers := config.Workers
	if workers <= 0 {
		workers = pipeline.DefaultWorkers
	}

	parallel := pipeline.ParallelConfig{
		MaxWorkers:       workers,
		ProgressCallback: progressCallback(config),
	}

	startTime := time.Now()
	outcomes, err := runner.Run(ctx, records, parallel)
	duration := time.Since(startTime)

	result := &Result{
		Outcomes:    outcomes,
		Summary:     pipeline.Summarize(outcomes, duration),
		Duration:    duration,
		WorkerCount: workers,
	}
	if err != nil {
		return result, fmt.Errorf("batch processing interrupted: %w", err)
	}
	return result, nil
}

func progressCallback(config *Config) pipeline.ProgressCallback {
	callbacks := make([]pipeline.ProgressCallback, 0, 2)
	if config.ShowProgress && !config.Quiet {
		var w io.Writer = os.Stderr
		if config.ProgressWriter != nil {
			w = config.ProgressWriter
		}
		callbacks = append(callbacks, pipeline.NewBarProgressCallback(w, "Processing records"))
	}
	if config.Progress != nil {
		callbacks = append(callbacks, config.Progress)
	}
	switch len(callbacks) {
	case 0:
		return nil
	case 1:
		return callbacks[0]
	default:
		return pipeline.NewMultiProgressCallback(callbacks...)
	}
}
