package support

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MeKo-Tech/recrop/internal/convert"
	"github.com/MeKo-Tech/recrop/internal/cropper"
	"github.com/MeKo-Tech/recrop/internal/extract"
	"github.com/MeKo-Tech/recrop/internal/fetch"
	"github.com/MeKo-Tech/recrop/internal/ocr"
	"github.com/MeKo-Tech/recrop/internal/pipeline"
	"github.com/MeKo-Tech/recrop/internal/receipt"
	"github.com/MeKo-Tech/recrop/internal/store"
	"github.com/MeKo-Tech/recrop/internal/testutil"
	"github.com/MeKo-Tech/recrop/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
)

// errServiceDown is what the fake analysis service returns for failing crops.
var errServiceDown = errors.New("analysis service unavailable")

// TestContext holds the state of one scenario.
type TestContext struct {
	TempDir   string
	Workspace pipeline.Workspace
	Store     *store.Memory
	Registry  *prometheus.Registry
	Metrics   *pipeline.Metrics

	// Detector and analysis service behaviour
	Rects    []image.Rectangle
	Analysis *ocr.Result
	FailFor  map[int]bool
	HangFor  map[int]bool
	Timeouts pipeline.Timeouts

	Records  []receipt.InputRecord
	Outcomes []pipeline.RecordOutcome
	RunErr   error

	calls atomic.Int32
	mu    sync.Mutex
}

// NewTestContext creates a scenario context rooted in a fresh temp dir.
func NewTestContext() (*TestContext, error) {
	dir, err := os.MkdirTemp("", "recrop-bdd-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	reg := prometheus.NewRegistry()
	return &TestContext{
		TempDir:   dir,
		Workspace: pipeline.NewWorkspace(filepath.Join(dir, "ws"), false, time.Now()),
		Store:     store.NewMemory(),
		Registry:  reg,
		Metrics:   pipeline.NewMetrics(reg),
		Analysis:  testutil.ReceiptResult(testutil.DefaultReceipt()),
		FailFor:   map[int]bool{},
		HangFor:   map[int]bool{},
		Timeouts:  pipeline.DefaultTimeouts(),
	}, nil
}

// Cleanup removes everything the scenario wrote.
func (testCtx *TestContext) Cleanup() error {
	if testCtx.TempDir == "" {
		return nil
	}
	return os.RemoveAll(testCtx.TempDir)
}

// Calls reports how many times the analysis service was called.
func (testCtx *TestContext) Calls() int {
	return int(testCtx.calls.Load())
}

// analyzer fakes the analysis service. Crops are told apart by the receipt
// index suffix the cropper gives shared pages.
func (testCtx *TestContext) analyzer() ocr.AnalyzerFunc {
	return func(ctx context.Context, imagePath string) (*ocr.Result, error) {
		testCtx.calls.Add(1)
		for idx := range testCtx.HangFor {
			if strings.HasSuffix(imagePath, fmt.Sprintf("_%d.png", idx)) {
				<-ctx.Done()
				return nil, ctx.Err()
			}
		}
		for idx := range testCtx.FailFor {
			if strings.HasSuffix(imagePath, fmt.Sprintf("_%d.png", idx)) {
				return nil, errServiceDown
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return testCtx.Analysis, nil
	}
}

// WritePage renders a scanned page with one slip per configured detection
// and returns its path.
func (testCtx *TestContext) WritePage(name string) (string, error) {
	cfg := testutil.DefaultPageConfig()
	if len(testCtx.Rects) > 0 {
		cfg.Slips = testCtx.Rects
	}
	path := filepath.Join(testCtx.TempDir, "input", name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := utils.SavePNG(testutil.GeneratePage(cfg), path); err != nil {
		return "", err
	}
	return path, nil
}

// AddRecord queues a record for the next run.
func (testCtx *TestContext) AddRecord(rec receipt.InputRecord) {
	testCtx.mu.Lock()
	defer testCtx.mu.Unlock()
	testCtx.Records = append(testCtx.Records, rec)
}

// Process runs every queued record through a fully wired orchestrator.
func (testCtx *TestContext) Process(ctx context.Context) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := testCtx.Workspace.Ensure(); err != nil {
		return err
	}

	conv, err := convert.New(convert.DefaultConfig(), logger)
	if err != nil {
		return err
	}
	orch, err := pipeline.NewOrchestrator(pipeline.Deps{
		Fetcher:   fetch.New(fetch.DefaultConfig(), nil, logger),
		Converter: conv,
		Detector:  testutil.StaticDetector(testCtx.Rects...),
		Cropper:   cropper.New(logger),
		Analyzer:  testCtx.analyzer(),
		Extractor: extract.New(),
		Sink:      testCtx.Store,
	}, testCtx.Workspace, testCtx.Timeouts, testCtx.Metrics, logger)
	if err != nil {
		return err
	}

	runner := pipeline.NewBatchRunner(orch, orch.Recorder(), testCtx.Metrics, logger)
	testCtx.Outcomes, testCtx.RunErr = runner.Run(ctx, testCtx.Records, pipeline.ParallelConfig{MaxWorkers: 2})
	return nil
}

// SummariesFor returns the stored summaries of one record.
func (testCtx *TestContext) SummariesFor(containerID string, line int) []receipt.SummaryRecord {
	var out []receipt.SummaryRecord
	for _, s := range testCtx.Store.Summaries() {
		if s.ContainerID == containerID && s.LineIndex == line {
			out = append(out, s)
		}
	}
	return out
}

// Summary finds the stored summary of one receipt.
func (testCtx *TestContext) Summary(containerID string, line, receiptIndex int) (receipt.SummaryRecord, error) {
	for _, s := range testCtx.SummariesFor(containerID, line) {
		if s.ReceiptIndex == receiptIndex {
			return s, nil
		}
	}
	return receipt.SummaryRecord{}, fmt.Errorf("no summary stored for %s/%d/%d", containerID, line, receiptIndex)
}

// CropCount counts the crop files in the workspace.
func (testCtx *TestContext) CropCount() (int, error) {
	entries, err := os.ReadDir(testCtx.Workspace.CropDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".png") {
			n++
		}
	}
	return n, nil
}
