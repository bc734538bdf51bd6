package detector

import (
	"fmt"
	"math"

	"github.com/MeKo-Tech/recrop/internal/utils"
)

// DecodeOptions controls how a raw prediction tensor becomes regions.
type DecodeOptions struct {
	ConfidenceThreshold float64
	IoUThreshold        float64
	MaxDetections       int
	Letterbox           utils.Letterbox
	ImageWidth          int
	ImageHeight         int
}

// DecodeYOLO converts a YOLO detection head output into regions in source
// image coordinates. The tensor is either [1, 4+C, N] (the default export)
// or its transpose [1, N, 4+C]; each prediction is cx, cy, w, h followed by
// C class scores. A confident box that clamps to nothing is still returned;
// the crop policy counts it and then skips its empty rectangle.
func DecodeYOLO(data []float32, shape []int64, opts DecodeOptions) ([]DetectedRegion, error) {
	if len(shape) != 3 || shape[0] != 1 {
		return nil, fmt.Errorf("unexpected output shape %v", shape)
	}
	rows, cols := int(shape[1]), int(shape[2])
	if rows*cols != len(data) {
		return nil, fmt.Errorf("output data length %d does not match shape %v", len(data), shape)
	}

	// Treat the smaller dimension as the attribute axis.
	attrs, anchors := rows, cols
	transposed := false
	if rows > cols {
		attrs, anchors = cols, rows
		transposed = true
	}
	if attrs < 5 {
		return nil, fmt.Errorf("expected at least 5 attributes per prediction, got %d", attrs)
	}

	at := func(attr, anchor int) float64 {
		if transposed {
			return float64(data[anchor*attrs+attr])
		}
		return float64(data[attr*anchors+anchor])
	}

	var candidates []DetectedRegion
	for i := range anchors {
		best, bestClass := math.Inf(-1), -1
		for c := 4; c < attrs; c++ {
			if s := at(c, i); s > best {
				best, bestClass = s, c-4
			}
		}
		if best < opts.ConfidenceThreshold {
			continue
		}
		cx, cy, w, h := at(0, i), at(1, i), at(2, i), at(3, i)
		box := utils.NewBox(cx-w/2, cy-h/2, cx+w/2, cy+h/2).
			Unletterbox(opts.Letterbox.Scale, opts.Letterbox.PadX, opts.Letterbox.PadY)
		box = clampBox(box, opts.ImageWidth, opts.ImageHeight)
		candidates = append(candidates, DetectedRegion{Box: box, Confidence: best, ClassID: bestClass})
	}

	kept := NonMaxSuppression(candidates, opts.IoUThreshold)
	if opts.MaxDetections > 0 && len(kept) > opts.MaxDetections {
		kept = kept[:opts.MaxDetections]
	}
	return kept, nil
}

// clampBox limits a box to [0,w]x[0,h]. A zero width or height disables
// clamping on that axis.
func clampBox(b utils.Box, w, h int) utils.Box {
	clamp := func(v float64, hi int) float64 {
		if v < 0 {
			return 0
		}
		if hi > 0 && v > float64(hi) {
			return float64(hi)
		}
		return v
	}
	return utils.Box{
		MinX: clamp(b.MinX, w),
		MinY: clamp(b.MinY, h),
		MaxX: clamp(b.MaxX, w),
		MaxY: clamp(b.MaxY, h),
	}
}
