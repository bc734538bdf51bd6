package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MeKo-Tech/recrop/internal/receipt"
	"github.com/MeKo-Tech/recrop/internal/store"
	"github.com/MeKo-Tech/recrop/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type processorFunc func(ctx context.Context, rec receipt.InputRecord) RecordOutcome

func (f processorFunc) Run(ctx context.Context, rec receipt.InputRecord) RecordOutcome {
	return f(ctx, rec)
}

func succeeded(rec receipt.InputRecord) RecordOutcome {
	id := rec.Identity().WithReceipt(1)
	return RecordOutcome{
		Record:    rec.Identity(),
		Summaries: []receipt.SummaryRecord{{Identity: id, ResultCode: receipt.CodeSuccess}},
	}
}

func records(n int) []receipt.InputRecord {
	out := make([]receipt.InputRecord, n)
	for i := range out {
		out[i] = receipt.InputRecord{
			ContainerID: "B1",
			LineIndex:   i,
			Sources:     []receipt.Source{{Kind: receipt.SourceSingle, Location: fmt.Sprintf("r%d.png", i)}},
		}
	}
	return out
}

func newRunner(t *testing.T, p Processor) (*BatchRunner, *store.Memory, *Metrics, Workspace) {
	t.Helper()
	ws := NewWorkspace(t.TempDir(), false, time.Now())
	require.NoError(t, ws.Ensure())
	mem := store.NewMemory()
	metrics := NewMetrics(prometheus.NewRegistry())
	rec := NewFailureRecorder(mem, ws.ErrorDir, time.Second, metrics, nil)
	return NewBatchRunner(p, rec, metrics, nil), mem, metrics, ws
}

func TestBatchRunnerKeepsInputOrder(t *testing.T) {
	p := processorFunc(func(_ context.Context, rec receipt.InputRecord) RecordOutcome {
		// Later records finish first.
		time.Sleep(time.Duration(10-rec.LineIndex) * time.Millisecond)
		return succeeded(rec)
	})
	runner, _, metrics, _ := newRunner(t, p)
	cb := &recordingCallback{}

	outcomes, err := runner.Run(context.Background(), records(10), ParallelConfig{MaxWorkers: 4, ProgressCallback: cb})

	require.NoError(t, err)
	require.Len(t, outcomes, 10)
	for i, o := range outcomes {
		assert.Equal(t, i, o.Record.LineIndex)
	}
	assert.Equal(t, 10, cb.total)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, cb.progress)
	assert.Zero(t, cb.errors)
	assert.True(t, cb.done)
	assert.Len(t, cb.started, 10)
	assert.Len(t, cb.finished, 10)

	assert.InDelta(t, 10.0, promtest.ToFloat64(metrics.Records), 1e-9)
	assert.InDelta(t, 0.0, promtest.ToFloat64(metrics.InFlight), 1e-9)
}

func TestBatchRunnerDefaultsWorkers(t *testing.T) {
	runner, _, _, _ := newRunner(t, processorFunc(func(_ context.Context, rec receipt.InputRecord) RecordOutcome {
		return succeeded(rec)
	}))

	outcomes, err := runner.Run(context.Background(), records(3), ParallelConfig{})

	require.NoError(t, err)
	assert.Len(t, outcomes, 3)
}

func TestBatchRunnerEmptyBatch(t *testing.T) {
	runner, _, _, _ := newRunner(t, processorFunc(func(_ context.Context, rec receipt.InputRecord) RecordOutcome {
		return succeeded(rec)
	}))

	outcomes, err := runner.Run(context.Background(), nil, DefaultParallelConfig())

	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestBatchRunnerRecoversWorkerPanic(t *testing.T) {
	p := processorFunc(func(_ context.Context, rec receipt.InputRecord) RecordOutcome {
		if rec.LineIndex == 1 {
			panic("boom")
		}
		return succeeded(rec)
	})
	runner, mem, _, ws := newRunner(t, p)
	cb := &recordingCallback{}

	outcomes, err := runner.Run(context.Background(), records(3), ParallelConfig{MaxWorkers: 2, ProgressCallback: cb})

	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	crashed := outcomes[1]
	require.Len(t, crashed.Summaries, 1)
	assert.Equal(t, receipt.CodeUpstream, crashed.Summaries[0].ResultCode)
	assert.Equal(t, 0, crashed.Summaries[0].ReceiptIndex)
	assert.Equal(t, "worker crashed: boom", crashed.Summaries[0].ResultMessage)
	assert.Equal(t, "r1.png", crashed.Summaries[0].AttachRef)
	assert.Equal(t, []receipt.Code{receipt.CodeSuccess}, outcomes[2].Codes())
	assert.Equal(t, 1, cb.errors)

	_, err = mem.Summary(context.Background(), store.Key{ContainerID: "B1", LineIndex: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"fail_B1_1_0_post.json"}, testutil.ListNames(t, ws.ErrorDir))
}

func TestBatchRunnerAccountsForCancelledRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runner *BatchRunner
	p := processorFunc(func(ctx context.Context, rec receipt.InputRecord) RecordOutcome {
		if rec.LineIndex == 0 {
			cancel()
			return succeeded(rec)
		}
		// Records that were already dispatched fail fast on ctx.
		s := runner.recorder.Record(ctx, rec.Identity(), rec.Common, receipt.CodeUpstream, ctx.Err().Error(), rec.PrimarySource())
		return RecordOutcome{Record: rec.Identity(), Summaries: []receipt.SummaryRecord{s}}
	})
	runner, mem, _, _ := newRunner(t, p)
	cb := &recordingCallback{}

	outcomes, err := runner.Run(ctx, records(5), ParallelConfig{MaxWorkers: 1, ProgressCallback: cb})

	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, outcomes, 5)
	assert.Equal(t, []receipt.Code{receipt.CodeSuccess}, outcomes[0].Codes())
	for _, o := range outcomes[1:] {
		assert.Equal(t, []receipt.Code{receipt.CodeUpstream}, o.Codes(), "record %s", o.Record)
	}
	assert.Equal(t, 4, mem.Writes())
	assert.Equal(t, 4, cb.errors)
	assert.Equal(t, 5, cb.progress[len(cb.progress)-1])
	assert.True(t, cb.done)
}

func TestBatchRunnerWithOrchestrator(t *testing.T) {
	h := newHarness(t, testutil.StaticDetector(slipA, slipB), testutil.StaticAnalyzer(testutil.ReceiptResult(testutil.DefaultReceipt())))
	recs := []receipt.InputRecord{
		record("R1", 1, receipt.SourceSingle, h.page(t, "single.png", slipA, slipB)),
		record("R1", 2, receipt.SourceShared, h.page(t, "shared.png", slipA, slipB)),
		record("R1", 3, receipt.SourceKind("TELEX"), h.page(t, "telex.png", slipA)),
	}
	runner := NewBatchRunner(h.orch, h.orch.Recorder(), h.metrics, nil)
	tracker := NewProgressTracker(0)

	outcomes, err := runner.Run(context.Background(), recs, ParallelConfig{MaxWorkers: 2, ProgressCallback: tracker})
	require.NoError(t, err)

	summary := Summarize(outcomes, time.Second)
	assert.Equal(t, 3, summary.Records)
	assert.Equal(t, 4, summary.Summaries)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, map[receipt.Code]int{
		receipt.CodeSuccess:       2,
		receipt.CodeAmbiguous:     1,
		receipt.CodeUnknownSource: 1,
	}, summary.ByCode)
	assert.Equal(t, []receipt.Code{receipt.CodeSuccess, receipt.CodeAmbiguous, receipt.CodeUnknownSource}, summary.SortedCodes())
	assert.Len(t, h.mem.Summaries(), 4)

	stats := tracker.GetStats()
	assert.Equal(t, 3, stats.Current)
	assert.Equal(t, 2, stats.Failed)
	assert.True(t, stats.Done)
}
