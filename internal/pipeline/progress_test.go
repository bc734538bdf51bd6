package pipeline

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/MeKo-Tech/recrop/internal/receipt"
	"github.com/stretchr/testify/assert"
)

// recordingCallback captures every event it receives.
type recordingCallback struct {
	mu       sync.Mutex
	total    int
	progress []int
	errors   int
	done     bool
	started  []receipt.Identity
	finished []RecordOutcome
}

func (r *recordingCallback) OnStart(total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total = total
}

func (r *recordingCallback) OnProgress(current, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, current)
}

func (r *recordingCallback) OnComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
}

func (r *recordingCallback) OnError(int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors++
}

func (r *recordingCallback) OnRecordStart(id receipt.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, id)
}

func (r *recordingCallback) OnRecordDone(o RecordOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, o)
}

func TestNoOpProgressCallback(t *testing.T) {
	var cb ProgressCallback = NoOpProgressCallback{}
	assert.NotPanics(t, func() {
		cb.OnStart(3)
		cb.OnProgress(1, 3)
		cb.OnError(1, errors.New("x"))
		cb.OnComplete()
	})
}

func TestBarProgressCallback(t *testing.T) {
	var buf bytes.Buffer
	cb := NewBarProgressCallback(&buf, "records")

	cb.OnStart(3)
	cb.OnProgress(1, 3)
	cb.OnError(2, errors.New("failed"))
	cb.OnProgress(2, 3)
	cb.OnProgress(2, 3)
	cb.OnProgress(3, 3)
	cb.OnComplete()

	out := buf.String()
	assert.Contains(t, out, "records")
	assert.Contains(t, out, "3/3")
	assert.Contains(t, out, "1 record(s) with failures")
}

func TestBarProgressCallbackBeforeStart(t *testing.T) {
	cb := NewBarProgressCallback(&bytes.Buffer{}, "")
	assert.NotPanics(t, func() {
		cb.OnProgress(1, 1)
		cb.OnComplete()
	})
}

func TestLogProgressCallback(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	cb := NewLogProgressCallback(logger, slog.LevelInfo, "run: ").WithInterval(2)

	cb.OnStart(3)
	cb.OnProgress(1, 3)
	cb.OnProgress(2, 3)
	cb.OnError(3, errors.New("boom"))
	cb.OnProgress(3, 3)
	cb.OnComplete()

	out := buf.String()
	assert.Contains(t, out, "run: Starting batch")
	assert.Equal(t, 2, strings.Count(out, "Progress update"))
	assert.Contains(t, out, "run: Record failed")
	assert.Contains(t, out, "boom")
	assert.Contains(t, out, "run: Batch completed")
}

func TestMultiProgressCallbackForwardsRecordEvents(t *testing.T) {
	a, b := &recordingCallback{}, &recordingCallback{}
	multi := NewMultiProgressCallback(a, NoOpProgressCallback{})
	multi.Add(b)

	multi.OnStart(2)
	multi.OnRecordStart(receipt.Identity{ContainerID: "C"})
	multi.OnRecordDone(RecordOutcome{Record: receipt.Identity{ContainerID: "C"}})
	multi.OnProgress(1, 2)
	multi.OnError(1, errors.New("x"))
	multi.OnComplete()

	for _, cb := range []*recordingCallback{a, b} {
		assert.Equal(t, 2, cb.total)
		assert.Equal(t, []int{1}, cb.progress)
		assert.Equal(t, 1, cb.errors)
		assert.True(t, cb.done)
		assert.Len(t, cb.started, 1)
		assert.Len(t, cb.finished, 1)
	}
}

func TestProgressTracker(t *testing.T) {
	pt := NewProgressTracker(0)

	pt.OnStart(4)
	pt.OnProgress(1, 4)
	pt.OnError(2, errors.New("failed"))
	pt.OnProgress(2, 4)

	stats := pt.GetStats()
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Current)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.False(t, stats.Done)
	assert.InDelta(t, 50.0, pt.PercentComplete(), 1e-9)

	pt.OnComplete()
	assert.True(t, pt.GetStats().Done)
}

func TestProgressTrackerEmpty(t *testing.T) {
	pt := NewProgressTracker(0)
	assert.Zero(t, pt.PercentComplete())

	pt.Update(3, 2, 1)
	stats := pt.GetStats()
	assert.Equal(t, 3, stats.Current)
	assert.Equal(t, 2, stats.Completed)
}
