package utils

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// Box represents an axis-aligned bounding box in float coordinates.
type Box struct {
	MinX float64 `json:"x1"`
	MinY float64 `json:"y1"`
	MaxX float64 `json:"x2"`
	MaxY float64 `json:"y2"`
}

// NewBox constructs a Box from min/max coordinates ensuring ordering.
func NewBox(x1, y1, x2, y2 float64) Box {
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	if y1 > y2 {
		y1, y2 = y2, y1
	}
	return Box{MinX: x1, MinY: y1, MaxX: x2, MaxY: y2}
}

// Width returns the box width.
func (b Box) Width() float64 { return b.MaxX - b.MinX }

// Height returns the box height.
func (b Box) Height() float64 { return b.MaxY - b.MinY }

// Area returns the box area, or 0 for degenerate boxes.
func (b Box) Area() float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU computes intersection-over-union of two boxes.
func (b Box) IoU(o Box) float64 {
	ix1 := math.Max(b.MinX, o.MinX)
	iy1 := math.Max(b.MinY, o.MinY)
	ix2 := math.Min(b.MaxX, o.MaxX)
	iy2 := math.Min(b.MaxY, o.MaxY)
	inter := Box{MinX: ix1, MinY: iy1, MaxX: ix2, MaxY: iy2}.Area()
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Unletterbox maps the box back from a letterboxed frame: subtract the padding,
// then divide by the resize scale.
func (b Box) Unletterbox(scale, padX, padY float64) Box {
	if scale <= 0 {
		return b
	}
	return NewBox(
		(b.MinX-padX)/scale,
		(b.MinY-padY)/scale,
		(b.MaxX-padX)/scale,
		(b.MaxY-padY)/scale,
	)
}

// ToRect converts a Box to an image.Rectangle, clamped to image bounds.
func (b Box) ToRect(bounds image.Rectangle) image.Rectangle {
	x1 := clampInt(int(math.Floor(b.MinX)), bounds.Min.X, bounds.Max.X)
	y1 := clampInt(int(math.Floor(b.MinY)), bounds.Min.Y, bounds.Max.Y)
	x2 := clampInt(int(math.Ceil(b.MaxX)), bounds.Min.X, bounds.Max.X)
	y2 := clampInt(int(math.Ceil(b.MaxY)), bounds.Min.Y, bounds.Max.Y)
	if x2 < x1 {
		x2 = x1
	}
	if y2 < y1 {
		y2 = y1
	}
	return image.Rect(x1, y1, x2, y2)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CropImageRect crops an image to the given rectangle.
func CropImageRect(img image.Image, rect image.Rectangle) image.Image {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return imaging.New(0, 0, color.Transparent)
	}
	return imaging.Crop(img, rect)
}

// CropImageBox crops an image using a float Box.
func CropImageBox(img image.Image, box Box) image.Image {
	return CropImageRect(img, box.ToRect(img.Bounds()))
}
