package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MeKo-Tech/recrop/internal/receipt"
	"github.com/MeKo-Tech/recrop/internal/store"
)

// FailureRecorder turns a classified failure into a persisted summary row
// and a fail_*_post.json artifact.
type FailureRecorder struct {
	sink     store.Persister
	errorDir string
	timeout  time.Duration
	now      func() time.Time
	metrics  *Metrics
	logger   *slog.Logger
}

// NewFailureRecorder builds a recorder writing artifacts to errorDir.
func NewFailureRecorder(sink store.Persister, errorDir string, timeout time.Duration, metrics *Metrics, logger *slog.Logger) *FailureRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailureRecorder{
		sink:     sink,
		errorDir: errorDir,
		timeout:  timeout,
		now:      time.Now,
		metrics:  metrics,
		logger:   logger,
	}
}

// Record builds the failure summary, writes its artifact and persists it.
// It runs even when ctx is already cancelled so that every input stays
// accounted for. Write errors are logged; the summary is always returned.
func (r *FailureRecorder) Record(ctx context.Context, id receipt.Identity, common bool, code receipt.Code, message, attachRef string) receipt.SummaryRecord {
	s := receipt.NewFailureSummary(id, common, code, message, attachRef, r.now())
	log := r.logger.With(
		"container_id", id.ContainerID,
		"line_index", id.LineIndex,
		"receipt_index", id.ReceiptIndex,
		"code", string(code))

	if r.errorDir != "" {
		if _, err := WritePostDocument(r.errorDir, FailFileName(id), s); err != nil {
			log.Warn("failed to write failure artifact", "error", err)
		}
	}

	pctx := context.WithoutCancel(ctx)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(pctx, r.timeout)
		defer cancel()
	}
	if err := r.sink.InsertSummary(pctx, s); err != nil {
		log.Error("failed to persist failure summary", "error", err)
	}

	r.metrics.countResult(code)
	log.Info("recorded failure", "message", message)
	return s
}

// RecordCrash records a 500 for a record whose processing panicked and
// returns the outcome standing in for it.
func (r *FailureRecorder) RecordCrash(ctx context.Context, rec receipt.InputRecord, cause any, elapsed time.Duration) RecordOutcome {
	s := r.Record(ctx, rec.Identity().WithReceipt(0), rec.Common, receipt.CodeUpstream,
		fmt.Sprintf("worker crashed: %v", cause), rec.PrimarySource())
	return RecordOutcome{Record: rec.Identity(), Summaries: []receipt.SummaryRecord{s}, Duration: elapsed}
}
