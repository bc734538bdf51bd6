package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MeKo-Tech/recrop/internal/receipt"
	"github.com/schollz/progressbar/v3"
)

// ProgressCallback defines the interface for progress reporting during batch processing.
type ProgressCallback interface {
	// OnStart is called when processing begins with the total number of records.
	OnStart(total int)

	// OnProgress is called after each record with the number finished so far.
	OnProgress(current, total int)

	// OnComplete is called when processing is finished.
	OnComplete()

	// OnError is called when a record finished with at least one failure.
	OnError(current int, err error)
}

// RecordObserver is implemented by callbacks that want per-record events.
type RecordObserver interface {
	OnRecordStart(id receipt.Identity)
	OnRecordDone(outcome RecordOutcome)
}

// NoOpProgressCallback implements ProgressCallback but does nothing.
type NoOpProgressCallback struct{}

func (NoOpProgressCallback) OnStart(total int)              {}
func (NoOpProgressCallback) OnProgress(current, total int)  {}
func (NoOpProgressCallback) OnComplete()                    {}
func (NoOpProgressCallback) OnError(current int, err error) {}

// BarProgressCallback draws a terminal progress bar.
type BarProgressCallback struct {
	writer      io.Writer
	description string
	mu          sync.Mutex
	bar         *progressbar.ProgressBar
	last        int
	failures    int
}

// NewBarProgressCallback creates a bar writing to writer (stderr when nil).
func NewBarProgressCallback(writer io.Writer, description string) *BarProgressCallback {
	if writer == nil {
		writer = os.Stderr
	}
	return &BarProgressCallback{writer: writer, description: description}
}

func (b *BarProgressCallback) OnStart(total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = 0
	b.failures = 0
	b.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(b.writer),
		progressbar.OptionSetDescription(b.description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
	)
}

func (b *BarProgressCallback) OnProgress(current, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bar == nil || current <= b.last {
		return
	}
	_ = b.bar.Add(current - b.last)
	b.last = current
}

func (b *BarProgressCallback) OnComplete() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bar == nil {
		return
	}
	_ = b.bar.Finish()
	_, _ = fmt.Fprintf(b.writer, "\n%d record(s) with failures\n", b.failures)
}

func (b *BarProgressCallback) OnError(current int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
}

// LogProgressCallback logs progress updates using slog.
type LogProgressCallback struct {
	logger    *slog.Logger
	level     slog.Level
	prefix    string
	interval  int // Log every N records
	mu        sync.Mutex
	lastLog   int
	startTime time.Time
}

// NewLogProgressCallback creates a new log-based progress reporter.
func NewLogProgressCallback(logger *slog.Logger, level slog.Level, prefix string) *LogProgressCallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogProgressCallback{
		logger:   logger,
		level:    level,
		prefix:   prefix,
		interval: 10,
	}
}

// WithInterval sets how frequently to log progress (every N records).
func (l *LogProgressCallback) WithInterval(interval int) *LogProgressCallback {
	l.interval = interval
	return l
}

func (l *LogProgressCallback) OnStart(total int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.startTime = time.Now()
	l.lastLog = 0
	l.logger.Log(context.Background(), l.level, l.prefix+"Starting batch", "total", total)
}

func (l *LogProgressCallback) OnProgress(current, total int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current-l.lastLog < l.interval && current != total {
		return
	}
	l.lastLog = current
	percent := 0.0
	if total > 0 {
		percent = float64(current) / float64(total) * 100.0
	}
	l.logger.Log(context.Background(), l.level, l.prefix+"Progress update",
		"current", current,
		"total", total,
		"percent", fmt.Sprintf("%.1f", percent),
		"elapsed", time.Since(l.startTime).Round(time.Millisecond),
	)
}

func (l *LogProgressCallback) OnComplete() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Log(context.Background(), l.level, l.prefix+"Batch completed", "elapsed", time.Since(l.startTime).Round(time.Millisecond))
}

func (l *LogProgressCallback) OnError(current int, err error) {
	l.logger.Log(context.Background(), slog.LevelWarn, l.prefix+"Record failed", "current", current, "error", err)
}

// MultiProgressCallback combines multiple progress callbacks.
type MultiProgressCallback struct {
	callbacks []ProgressCallback
}

// NewMultiProgressCallback creates a progress callback that reports to multiple callbacks.
func NewMultiProgressCallback(callbacks ...ProgressCallback) *MultiProgressCallback {
	return &MultiProgressCallback{callbacks: callbacks}
}

// Add adds another progress callback.
func (m *MultiProgressCallback) Add(callback ProgressCallback) {
	m.callbacks = append(m.callbacks, callback)
}

func (m *MultiProgressCallback) OnStart(total int) {
	for _, cb := range m.callbacks {
		cb.OnStart(total)
	}
}

func (m *MultiProgressCallback) OnProgress(current, total int) {
	for _, cb := range m.callbacks {
		cb.OnProgress(current, total)
	}
}

func (m *MultiProgressCallback) OnComplete() {
	for _, cb := range m.callbacks {
		cb.OnComplete()
	}
}

func (m *MultiProgressCallback) OnError(current int, err error) {
	for _, cb := range m.callbacks {
		cb.OnError(current, err)
	}
}

func (m *MultiProgressCallback) OnRecordStart(id receipt.Identity) {
	for _, cb := range m.callbacks {
		if ro, ok := cb.(RecordObserver); ok {
			ro.OnRecordStart(id)
		}
	}
}

func (m *MultiProgressCallback) OnRecordDone(outcome RecordOutcome) {
	for _, cb := range m.callbacks {
		if ro, ok := cb.(RecordObserver); ok {
			ro.OnRecordDone(outcome)
		}
	}
}

// ProgressTracker tracks run statistics. It is itself a ProgressCallback.
type ProgressTracker struct {
	StartTime time.Time     `json:"start_time"`
	Total     int           `json:"total"`
	Current   int           `json:"current"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Rate      float64       `json:"rate_per_second"`
	Elapsed   time.Duration `json:"elapsed_duration"`
	Done      bool          `json:"done"`
	mutex     sync.RWMutex
}

// NewProgressTracker creates a new progress tracker.
func NewProgressTracker(total int) *ProgressTracker {
	return &ProgressTracker{
		StartTime: time.Now(),
		Total:     total,
	}
}

// Update sets the counters.
func (pt *ProgressTracker) Update(current, completed, failed int) {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()
	pt.update(current, completed, failed)
}

func (pt *ProgressTracker) update(current, completed, failed int) {
	pt.Current = current
	pt.Completed = completed
	pt.Failed = failed
	pt.Elapsed = time.Since(pt.StartTime)
	if pt.Elapsed > 0 && pt.Current > 0 {
		pt.Rate = float64(pt.Current) / pt.Elapsed.Seconds()
	}
}

func (pt *ProgressTracker) OnStart(total int) {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()
	pt.Total = total
}

func (pt *ProgressTracker) OnProgress(current, _ int) {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()
	pt.update(current, current-pt.Failed, pt.Failed)
}

func (pt *ProgressTracker) OnComplete() {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()
	pt.Done = true
	pt.Elapsed = time.Since(pt.StartTime)
}

func (pt *ProgressTracker) OnError(int, error) {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()
	pt.Failed++
}

// GetStats returns a copy of current statistics.
func (pt *ProgressTracker) GetStats() ProgressTracker {
	pt.mutex.RLock()
	defer pt.mutex.RUnlock()

	return ProgressTracker{
		StartTime: pt.StartTime,
		Total:     pt.Total,
		Current:   pt.Current,
		Completed: pt.Completed,
		Failed:    pt.Failed,
		Rate:      pt.Rate,
		Elapsed:   pt.Elapsed,
		Done:      pt.Done,
	}
}

// PercentComplete returns the completion percentage.
func (pt *ProgressTracker) PercentComplete() float64 {
	pt.mutex.RLock()
	defer pt.mutex.RUnlock()

	if pt.Total == 0 {
		return 0
	}
	return float64(pt.Current) / float64(pt.Total) * 100.0
}
