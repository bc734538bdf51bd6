// Package pipeline drives input records through download, conversion,
// detection, cropping, OCR, extraction and persistence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MeKo-Tech/recrop/internal/convert"
	"github.com/MeKo-Tech/recrop/internal/cropper"
	"github.com/MeKo-Tech/recrop/internal/detector"
	"github.com/MeKo-Tech/recrop/internal/fetch"
	"github.com/MeKo-Tech/recrop/internal/ocr"
	"github.com/MeKo-Tech/recrop/internal/receipt"
	"github.com/MeKo-Tech/recrop/internal/store"
	"github.com/MeKo-Tech/recrop/internal/utils"
)

// Timeouts bounds the blocking stages. Zero disables a bound.
type Timeouts struct {
	Download time.Duration
	Detect   time.Duration
	OCR      time.Duration
	Persist  time.Duration
}

// DefaultTimeouts returns the production bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Download: 10 * time.Second,
		Detect:   30 * time.Second,
		OCR:      60 * time.Second,
		Persist:  10 * time.Second,
	}
}

// RegionCropper applies the crop policy and writes crops.
type RegionCropper interface {
	Crop(ctx context.Context, req cropper.Request) ([]receipt.CroppedItem, *receipt.StageError)
}

// FieldExtractor maps an analyze result onto a success summary.
type FieldExtractor interface {
	Extract(item receipt.CroppedItem, category string, res *ocr.Result) (receipt.SummaryRecord, *receipt.StageError)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Fetcher   fetch.Fetcher
	Converter convert.Rasterizer
	Detector  detector.BoundaryDetector
	Cropper   RegionCropper
	Analyzer  ocr.Analyzer
	Extractor FieldExtractor
	Sink      store.Persister
}

func (d Deps) validate() error {
	switch {
	case d.Fetcher == nil:
		return errors.New("fetcher is required")
	case d.Converter == nil:
		return errors.New("converter is required")
	case d.Detector == nil:
		return errors.New("detector is required")
	case d.Cropper == nil:
		return errors.New("cropper is required")
	case d.Analyzer == nil:
		return errors.New("analyzer is required")
	case d.Extractor == nil:
		return errors.New("extractor is required")
	case d.Sink == nil:
		return errors.New("sink is required")
	}
	return nil
}

// Orchestrator runs one input record end to end.
type Orchestrator struct {
	deps      Deps
	workspace Workspace
	timeouts  Timeouts
	recorder  *FailureRecorder
	metrics   *Metrics
	logger    *slog.Logger
}

// NewOrchestrator wires the collaborators. The workspace must exist.
func NewOrchestrator(deps Deps, ws Workspace, timeouts Timeouts, metrics *Metrics, logger *slog.Logger) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		deps:      deps,
		workspace: ws,
		timeouts:  timeouts,
		recorder:  NewFailureRecorder(deps.Sink, ws.ErrorDir, timeouts.Persist, metrics, logger),
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// Recorder exposes the failure recorder so batch-level failures land in
// the same sink.
func (o *Orchestrator) Recorder() *FailureRecorder { return o.recorder }

// Workspace returns the directories the orchestrator writes to.
func (o *Orchestrator) Workspace() Workspace { return o.workspace }

// Run processes every present source of rec in order. It never returns an
// error: each failure becomes a persisted failure summary in the outcome.
func (o *Orchestrator) Run(ctx context.Context, rec receipt.InputRecord) (out RecordOutcome) {
	start := time.Now()
	out.Record = rec.Identity()
	defer func() { out.Duration = time.Since(start) }()

	if err := rec.Validate(); err != nil {
		idx := 0
		if rec.ReceiptIndex != nil {
			idx = *rec.ReceiptIndex
		}
		out.Summaries = append(out.Summaries,
			o.recorder.Record(ctx, rec.Identity().WithReceipt(idx), rec.Common, receipt.CodeUpstream, err.Error(), rec.PrimarySource()))
		o.prune(ctx, rec, out.Summaries)
		return out
	}

	for pos, src := range rec.PresentSources() {
		out.Summaries = append(out.Summaries, o.runSource(ctx, rec, pos, src)...)
	}
	o.prune(ctx, rec, out.Summaries)
	return out
}

// prune removes rows an earlier run of rec stored under keys this run did
// not produce. Sinks that cannot prune are left as they are.
func (o *Orchestrator) prune(ctx context.Context, rec receipt.InputRecord, summaries []receipt.SummaryRecord) {
	p, ok := o.deps.Sink.(store.Pruner)
	if !ok || rec.ContainerID == "" {
		return
	}
	keep := make([]store.Key, len(summaries))
	for i, s := range summaries {
		keep[i] = store.KeyOf(s.Identity, s.Common)
	}
	pctx, cancel := withTimeout(context.WithoutCancel(ctx), o.timeouts.Persist)
	defer cancel()
	if err := p.PruneRecord(pctx, rec.ContainerID, rec.LineIndex, keep); err != nil {
		o.logger.Warn("failed to prune stale rows",
			"container_id", rec.ContainerID,
			"line_index", rec.LineIndex,
			"error", err)
	}
}

type sourceRun struct {
	rec    receipt.InputRecord
	common bool
	log    *slog.Logger
}

func (o *Orchestrator) runSource(ctx context.Context, rec receipt.InputRecord, pos int, src receipt.Source) []receipt.SummaryRecord {
	kind := receipt.ParseSourceKind(string(src.Kind))
	sr := sourceRun{
		rec:    rec,
		common: rec.CommonFor(kind),
		log: o.logger.With(
			"container_id", rec.ContainerID,
			"line_index", rec.LineIndex,
			"kind", string(kind)),
	}
	preID := rec.Identity().WithReceipt(rec.DefaultReceiptIndex(kind))
	fail := func(code receipt.Code, msg string, err error) []receipt.SummaryRecord {
		return []receipt.SummaryRecord{o.recorder.Record(ctx, preID, sr.common, code, failureMessage(msg, err), src.Location)}
	}

	if !kind.Known() {
		return fail(receipt.CodeUnknownSource, fmt.Sprintf("unsupported source kind: %q", string(src.Kind)), nil)
	}

	stem := utils.Stem(fetch.SourceFileName(src.Location))
	base := fmt.Sprintf("%s_%d_%d_%s", rec.ContainerID, rec.LineIndex, pos, stem)

	t := time.Now()
	dctx, cancel := withTimeout(ctx, o.timeouts.Download)
	raw, err := o.deps.Fetcher.Fetch(dctx, src.Location, o.workspace.RawDir, base)
	cancel()
	o.metrics.observeStage(StageDownload, t)
	if err != nil {
		return fail(receipt.CodeUpstream, "download failed", err)
	}

	t = time.Now()
	png, err := o.deps.Converter.ToRaster(ctx, raw, o.workspace.PreDir)
	o.metrics.observeStage(StageConvert, t)
	if err != nil {
		return fail(receipt.CodeUpstream, "conversion failed", err)
	}

	img, _, err := utils.LoadImage(png)
	if err != nil {
		return fail(receipt.CodeUpstream, "failed to load converted image", err)
	}

	t = time.Now()
	tctx, cancel := withTimeout(ctx, o.timeouts.Detect)
	regions, err := o.deps.Detector.Detect(tctx, img)
	cancel()
	o.metrics.observeStage(StageDetect, t)
	if err != nil {
		return fail(receipt.CodeUpstream, "detection failed", err)
	}
	o.metrics.observeDetections(len(regions))
	sr.log.Debug("detected regions", "count", len(regions))

	override := 0
	if rec.ReceiptIndex != nil {
		override = *rec.ReceiptIndex
	}
	t = time.Now()
	items, serr := o.deps.Cropper.Crop(ctx, cropper.Request{
		Image:           img,
		Regions:         regions,
		Kind:            kind,
		Identity:        rec.Identity(),
		ReceiptOverride: override,
		SourceRef:       src.Location,
		OutDir:          o.workspace.CropDir,
		Base:            utils.Stem(png),
	})
	o.metrics.observeStage(StageCrop, t)
	if serr != nil {
		return fail(serr.Code, stageMessage(serr), serr.Err)
	}
	if len(items) == 0 {
		return fail(receipt.CodeUpstream, "no usable region after clamping", nil)
	}

	out := make([]receipt.SummaryRecord, 0, len(items))
	for _, item := range items {
		out = append(out, o.runItem(ctx, sr, item))
	}
	return out
}

// runItem takes one crop through OCR, extraction and persistence. Failures
// are scoped to the item; siblings continue.
func (o *Orchestrator) runItem(ctx context.Context, sr sourceRun, item receipt.CroppedItem) receipt.SummaryRecord {
	log := sr.log.With("receipt_index", item.ReceiptIndex)
	fail := func(code receipt.Code, msg string, err error) receipt.SummaryRecord {
		return o.recorder.Record(ctx, item.Identity, item.Common, code, failureMessage(msg, err), item.SourceRef)
	}

	t := time.Now()
	octx, cancel := withTimeout(ctx, o.timeouts.OCR)
	res, err := o.deps.Analyzer.Analyze(octx, item.Path)
	cancel()
	o.metrics.observeStage(StageOCR, t)
	if err != nil {
		return fail(receipt.CodeOCR, "ocr failed", err)
	}
	if res != nil && len(res.Raw) > 0 {
		if _, err := writeArtifact(o.workspace.OCRDir, OCRFileName(item.Base), res.Raw); err != nil {
			log.Warn("failed to archive ocr result", "error", err)
		}
	}

	t = time.Now()
	summary, serr := o.deps.Extractor.Extract(item, sr.rec.Category, res)
	o.metrics.observeStage(StageExtract, t)
	if serr != nil {
		return fail(serr.Code, stageMessage(serr), serr.Err)
	}

	t = time.Now()
	if err := o.persist(ctx, summary); err != nil {
		o.metrics.observeStage(StagePersist, t)
		return fail(receipt.CodeUpstream, "persist failed", err)
	}
	o.metrics.observeStage(StagePersist, t)

	if _, err := WritePostDocument(o.workspace.PostDir, PostFileName(item.Identity), summary); err != nil {
		log.Warn("failed to write post document", "error", err)
	}
	o.metrics.countResult(summary.ResultCode)
	log.Info("receipt processed", "code", string(summary.ResultCode), "items", len(summary.Items))
	return summary
}

func (o *Orchestrator) persist(ctx context.Context, s receipt.SummaryRecord) error {
	pctx, cancel := withTimeout(ctx, o.timeouts.Persist)
	defer cancel()
	if err := o.deps.Sink.InsertSummary(pctx, s); err != nil {
		return err
	}
	return o.deps.Sink.InsertLineItems(pctx, s.Items)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func failureMessage(msg string, err error) string {
	if err == nil {
		return msg
	}
	return msg + ": " + err.Error()
}

func stageMessage(serr *receipt.StageError) string {
	if serr.Message != "" {
		return serr.Message
	}
	return serr.Code.Description()
}
