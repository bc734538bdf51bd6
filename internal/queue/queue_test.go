package queue

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MeKo-Tech/recrop/internal/pipeline"
	"github.com/MeKo-Tech/recrop/internal/receipt"
	"github.com/MeKo-Tech/recrop/internal/store"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type processorFunc func(ctx context.Context, rec receipt.InputRecord) pipeline.RecordOutcome

func (f processorFunc) Run(ctx context.Context, rec receipt.InputRecord) pipeline.RecordOutcome {
	return f(ctx, rec)
}

func sampleRecord() receipt.InputRecord {
	return receipt.InputRecord{
		ContainerID: "F1",
		LineIndex:   7,
		Category:    "MEAL",
		Sources:     []receipt.Source{{Kind: receipt.SourceShared, Location: "https://files.test/p.pdf"}},
	}
}

func TestNewProcessTaskRoundTrip(t *testing.T) {
	task, err := NewProcessTask("run-1", sampleRecord())
	require.NoError(t, err)
	assert.Equal(t, TypeProcessRecord, task.Type())

	p, err := ParsePayload(task)
	require.NoError(t, err)
	assert.Equal(t, "run-1", p.RunID)
	assert.Equal(t, sampleRecord(), p.Record)
}

func TestParsePayloadSkipsRetryOnGarbage(t *testing.T) {
	_, err := ParsePayload(asynq.NewTask(TypeProcessRecord, []byte("{not json")))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestTaskID(t *testing.T) {
	assert.Equal(t, "run-1:F1:7", TaskID("run-1", sampleRecord()))
}

func TestHandlerRunsRecord(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []receipt.InputRecord
		got  []pipeline.RecordOutcome
	)
	h := NewHandler(processorFunc(func(_ context.Context, rec receipt.InputRecord) pipeline.RecordOutcome {
		mu.Lock()
		seen = append(seen, rec)
		mu.Unlock()
		return pipeline.RecordOutcome{
			Record:    rec.Identity(),
			Summaries: []receipt.SummaryRecord{{Identity: rec.Identity().WithReceipt(1), ResultCode: receipt.CodeNoDetection}},
		}
	}), nil, nil)
	h.OnOutcome = func(_ Payload, o pipeline.RecordOutcome) { got = append(got, o) }

	task, err := NewProcessTask("run-1", sampleRecord())
	require.NoError(t, err)

	// Pipeline failures are recorded, not retried.
	require.NoError(t, h.ProcessTask(context.Background(), task))
	require.Len(t, seen, 1)
	assert.Equal(t, "F1", seen[0].ContainerID)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Failures())
}

func TestHandlerRejectsMalformedPayload(t *testing.T) {
	called := false
	h := NewHandler(processorFunc(func(context.Context, receipt.InputRecord) pipeline.RecordOutcome {
		called = true
		return pipeline.RecordOutcome{}
	}), nil, nil)

	err := h.ProcessTask(context.Background(), asynq.NewTask(TypeProcessRecord, []byte("[]")))
	require.ErrorIs(t, err, asynq.SkipRetry)
	assert.False(t, called)
}

func TestHandlerRecordsCrashedRecord(t *testing.T) {
	mem := store.NewMemory()
	recorder := pipeline.NewFailureRecorder(mem, "", time.Second, nil, nil)
	h := NewHandler(processorFunc(func(context.Context, receipt.InputRecord) pipeline.RecordOutcome {
		panic("decoder exploded")
	}), recorder, nil)
	var got []pipeline.RecordOutcome
	h.OnOutcome = func(_ Payload, o pipeline.RecordOutcome) { got = append(got, o) }

	task, err := NewProcessTask("run-1", sampleRecord())
	require.NoError(t, err)

	err = h.ProcessTask(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	assert.Contains(t, err.Error(), "decoder exploded")

	sums := mem.Summaries()
	require.Len(t, sums, 1)
	assert.Equal(t, receipt.CodeUpstream, sums[0].ResultCode)
	assert.Equal(t, "worker crashed: decoder exploded", sums[0].ResultMessage)
	assert.Equal(t, receipt.Identity{ContainerID: "F1", LineIndex: 7}, sums[0].Identity)
	assert.Equal(t, "https://files.test/p.pdf", sums[0].AttachRef)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Failures())
}

func TestHandlerWithoutRecorderStillSurvivesPanic(t *testing.T) {
	h := NewHandler(processorFunc(func(context.Context, receipt.InputRecord) pipeline.RecordOutcome {
		panic("boom")
	}), nil, nil)

	task, err := NewProcessTask("run-1", sampleRecord())
	require.NoError(t, err)
	require.ErrorIs(t, h.ProcessTask(context.Background(), task), asynq.SkipRetry)
}

func TestWorkerMuxRoutesRecords(t *testing.T) {
	runs := 0
	h := NewHandler(processorFunc(func(_ context.Context, rec receipt.InputRecord) pipeline.RecordOutcome {
		runs++
		return pipeline.RecordOutcome{Record: rec.Identity()}
	}), nil, nil)
	w := NewWorker(DefaultConfig(), h, nil)

	task, err := NewProcessTask("run-2", sampleRecord())
	require.NoError(t, err)
	require.NoError(t, w.Mux().ProcessTask(context.Background(), task))
	assert.Equal(t, 1, runs)

	err = w.Mux().ProcessTask(context.Background(), asynq.NewTask("other:type", nil))
	require.Error(t, err)
	assert.Equal(t, 1, runs)
}

func TestEnqueuerReportsUnreachableRedis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedisAddr = "127.0.0.1:1"
	e := NewEnqueuer(cfg, nil)
	defer func() { _ = e.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ids, err := e.Enqueue(ctx, "run-3", []receipt.InputRecord{sampleRecord()})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to enqueue run-3:F1:7")
	assert.Empty(t, ids)
}

func TestEnqueuerRejectsRepeatedRecords(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedisAddr = "127.0.0.1:1"
	e := NewEnqueuer(cfg, nil)
	defer func() { _ = e.Close() }()

	other := sampleRecord()
	other.LineIndex = 8
	repeat := sampleRecord()
	repeat.Sources = []receipt.Source{{Kind: receipt.SourceSingle, Location: "https://files.test/a.jpg"}}

	ids, err := e.Enqueue(context.Background(), "run-4", []receipt.InputRecord{sampleRecord(), other, repeat})

	require.ErrorIs(t, err, receipt.ErrDuplicateRecord)
	assert.Contains(t, err.Error(), "F1/7")
	assert.NotContains(t, err.Error(), "failed to enqueue", "nothing may reach redis")
	assert.Empty(t, ids)
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	a := slogAdapter{logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}

	a.Debug("d")
	a.Info("i")
	a.Warn("w")
	a.Error("e", errors.New("x"))

	out := buf.String()
	for _, want := range []string{"level=DEBUG msg=d", "level=INFO msg=i", "level=WARN msg=w", "level=ERROR"} {
		assert.Contains(t, out, want)
	}
}
