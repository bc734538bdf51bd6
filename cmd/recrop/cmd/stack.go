package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MeKo-Tech/recrop/internal/config"
	"github.com/MeKo-Tech/recrop/internal/convert"
	"github.com/MeKo-Tech/recrop/internal/cropper"
	"github.com/MeKo-Tech/recrop/internal/detector"
	"github.com/MeKo-Tech/recrop/internal/extract"
	"github.com/MeKo-Tech/recrop/internal/fetch"
	"github.com/MeKo-Tech/recrop/internal/ocr"
	"github.com/MeKo-Tech/recrop/internal/pipeline"
	"github.com/MeKo-Tech/recrop/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Model-backed collaborators are built through these hooks so tests can run
// the commands without ONNX models or OCR credentials.
var (
	newBoundaryDetector = defaultBoundaryDetector
	newAnalyzer         = defaultAnalyzer
)

func defaultBoundaryDetector(cfg *config.Config, logger *slog.Logger) (detector.BoundaryDetector, func() error, error) {
	dc, err := cfg.ToDetectorConfig()
	if err != nil {
		return nil, nil, err
	}
	det, err := detector.NewDetector(dc, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create detector: %w", err)
	}
	return det, det.Close, nil
}

func defaultAnalyzer(cfg *config.Config, logger *slog.Logger) (ocr.Analyzer, error) {
	if err := cfg.ValidateOCR(); err != nil {
		return nil, err
	}
	client, err := ocr.New(cfg.ToOCRConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create ocr client: %w", err)
	}
	return client, nil
}

// stack is a fully wired pipeline for one process.
type stack struct {
	store     store.Store
	registry  *prometheus.Registry
	metrics   *pipeline.Metrics
	workspace pipeline.Workspace
	orch      *pipeline.Orchestrator
	runner    *pipeline.BatchRunner
	closers   []func() error
}

// buildStack opens the store, lays out today's workspace and wires every
// stage. The caller must Close the stack.
func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *stack, err error) {
	s := &stack{registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = pipeline.NewMetrics(s.registry)

	s.workspace = cfg.ToWorkspace(time.Now())
	if err := s.workspace.Ensure(); err != nil {
		return nil, fmt.Errorf("failed to prepare workspace: %w", err)
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	s.store = st
	s.closers = append(s.closers, st.Close)

	det, closeDet, err := newBoundaryDetector(cfg, logger)
	if err != nil {
		return nil, err
	}
	if closeDet != nil {
		s.closers = append(s.closers, closeDet)
	}

	analyzer, err := newAnalyzer(cfg, logger)
	if err != nil {
		return nil, err
	}

	conv, err := convert.New(cfg.ToConvertConfig(s.workspace.MergeDir), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create converter: %w", err)
	}

	extractOpts, err := cfg.ToExtractOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to load extraction settings: %w", err)
	}

	s.orch, err = pipeline.NewOrchestrator(pipeline.Deps{
		Fetcher:   fetch.New(cfg.ToFetchConfig(), nil, logger),
		Converter: conv,
		Detector:  det,
		Cropper:   cropper.New(logger),
		Analyzer:  analyzer,
		Extractor: extract.New(extractOpts...),
		Sink:      st,
	}, s.workspace, cfg.ToTimeouts(), s.metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	s.runner = pipeline.NewBatchRunner(s.orch, s.orch.Recorder(), s.metrics, logger)

	logger.Info("Pipeline ready",
		"workspace", s.workspace.Root,
		"store", cfg.Store.Driver,
		"workers", cfg.Batch.Workers)
	return s, nil
}

// openStore opens the configured store and makes sure its tables exist.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	st, err := store.Open(ctx, cfg.ToStoreConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to prepare store schema: %w", err)
	}
	return st, nil
}

// Close releases everything the stack opened, newest first.
func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
