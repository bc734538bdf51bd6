// Package cropper turns detected regions into receipt images on disk and
// applies the per-source-kind policy.
package cropper

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"strconv"

	"github.com/MeKo-Tech/recrop/internal/detector"
	"github.com/MeKo-Tech/recrop/internal/receipt"
	"github.com/MeKo-Tech/recrop/internal/utils"
)

// StageName labels cropper failures.
const StageName = "crop"

// Request describes one crop invocation.
type Request struct {
	Image    image.Image
	Regions  []detector.DetectedRegion
	Kind     receipt.SourceKind
	Identity receipt.Identity
	// ReceiptOverride, when positive, replaces index 1 for SINGLE sources.
	ReceiptOverride int
	SourceRef       string
	OutDir          string
	Base            string
}

// Cropper writes crops to disk.
type Cropper struct {
	logger *slog.Logger
	save   func(image.Image, string) error
}

// New returns a Cropper that saves PNG files.
func New(logger *slog.Logger) *Cropper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cropper{logger: logger, save: utils.SavePNG}
}

// Planned is a crop decided by the policy but not yet written.
type Planned struct {
	Index int
	Rect  image.Rectangle
}

// Plan applies the source-kind policy to the regions and returns the crop
// rectangles with their receipt indices. It performs no I/O. Counts are
// checked before clamping; regions that clamp to nothing are then dropped.
func Plan(bounds image.Rectangle, regions []detector.DetectedRegion, kind receipt.SourceKind, override int) ([]Planned, *receipt.StageError) {
	switch kind {
	case receipt.SourceSingle:
		switch n := len(regions); {
		case n == 0:
			return nil, receipt.NewStageError(StageName, receipt.CodeNoDetection, "no detection", nil)
		case n > 1:
			return nil, receipt.NewStageError(StageName, receipt.CodeAmbiguous,
				fmt.Sprintf("ambiguous: %d detections for single-item source", n), nil)
		}
		idx := 1
		if override > 0 {
			idx = override
		}
		rect := regions[0].Box.ToRect(bounds)
		if rect.Empty() {
			return []Planned{}, nil
		}
		return []Planned{{Index: idx, Rect: rect}}, nil

	case receipt.SourceShared:
		if len(regions) == 0 {
			return nil, receipt.NewStageError(StageName, receipt.CodeNoDetection, "no detection", nil)
		}
		out := make([]Planned, 0, len(regions))
		for i, r := range regions {
			rect := r.Box.ToRect(bounds)
			if rect.Empty() {
				continue
			}
			out = append(out, Planned{Index: i + 1, Rect: rect})
		}
		return out, nil

	default:
		return nil, receipt.NewStageError(StageName, receipt.CodeUnknownSource,
			fmt.Sprintf("unsupported source kind: %q", string(kind)), nil)
	}
}

// FileName returns the crop file name for a base and receipt index.
func FileName(kind receipt.SourceKind, base string, index int) string {
	if kind == receipt.SourceShared {
		return base + "_" + strconv.Itoa(index) + ".png"
	}
	return base + ".png"
}

// Crop applies the policy, writes each crop under req.OutDir and returns the
// items in detection order. A policy violation returns a classified error
// and writes nothing. A write failure is a 500.
func (c *Cropper) Crop(ctx context.Context, req Request) ([]receipt.CroppedItem, *receipt.StageError) {
	if req.Image == nil {
		return nil, receipt.NewStageError(StageName, receipt.CodeUpstream, "nil image", nil)
	}
	plans, serr := Plan(req.Image.Bounds(), req.Regions, req.Kind, req.ReceiptOverride)
	if serr != nil {
		c.logger.Info("crop policy rejected source",
			"container_id", req.Identity.ContainerID,
			"line_index", req.Identity.LineIndex,
			"kind", string(req.Kind),
			"regions", len(req.Regions),
			"code", string(serr.Code))
		return nil, serr
	}

	// Only shared-page items are common; an attachment never is.
	common := req.Kind == receipt.SourceShared

	items := make([]receipt.CroppedItem, 0, len(plans))
	for _, p := range plans {
		if err := ctx.Err(); err != nil {
			return nil, receipt.NewStageError(StageName, receipt.CodeUpstream, "cancelled", err)
		}
		path := filepath.Join(req.OutDir, FileName(req.Kind, req.Base, p.Index))
		if err := c.save(utils.CropImageRect(req.Image, p.Rect), path); err != nil {
			return nil, receipt.NewStageError(StageName, receipt.CodeUpstream, "failed to write crop", err)
		}
		items = append(items, receipt.CroppedItem{
			Identity:  req.Identity.WithReceipt(p.Index),
			Path:      path,
			Kind:      req.Kind,
			Common:    common,
			SourceRef: req.SourceRef,
			Base:      utils.Stem(path),
		})
	}
	if dropped := len(req.Regions) - len(plans); dropped > 0 {
		c.logger.Debug("dropped zero-area regions", "count", dropped, "container_id", req.Identity.ContainerID)
	}
	return items, nil
}
