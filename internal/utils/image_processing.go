package utils

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/MeKo-Tech/recrop/internal/mempool"
	"github.com/disintegration/imaging"
)

// ImageProcessingError represents an error during image processing.
type ImageProcessingError struct {
	Operation string
	Err       error
}

func (e *ImageProcessingError) Error() string {
	return fmt.Sprintf("image processing error in %s: %v", e.Operation, e.Err)
}

func (e *ImageProcessingError) Unwrap() error { return e.Err }

// LetterboxPad is the grey used to pad letterboxed detector input.
var LetterboxPad = color.NRGBA{R: 114, G: 114, B: 114, A: 255}

// Letterbox describes how an image was fitted into a square model input.
type Letterbox struct {
	Scale float64
	PadX  float64
	PadY  float64
	Size  int
}

// LetterboxImage resizes img to fit a size x size square keeping its aspect
// ratio and centres it on a grey canvas.
func LetterboxImage(img image.Image, size int) (*image.NRGBA, Letterbox, error) {
	if img == nil {
		return nil, Letterbox{}, &ImageProcessingError{Operation: "letterbox", Err: errors.New("input image is nil")}
	}
	if size <= 0 {
		return nil, Letterbox{}, &ImageProcessingError{Operation: "letterbox", Err: fmt.Errorf("invalid size: %d", size)}
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, Letterbox{}, &ImageProcessingError{Operation: "letterbox", Err: errors.New("empty image")}
	}

	scale := math.Min(float64(size)/float64(w), float64(size)/float64(h))
	nw := max(1, int(math.Round(float64(w)*scale)))
	nh := max(1, int(math.Round(float64(h)*scale)))

	resized := imaging.Resize(img, nw, nh, imaging.Linear)
	canvas := imaging.New(size, size, LetterboxPad)
	padX := (size - nw) / 2
	padY := (size - nh) / 2
	out := imaging.Paste(canvas, resized, image.Pt(padX, padY))

	return out, Letterbox{Scale: scale, PadX: float64(padX), PadY: float64(padY), Size: size}, nil
}

// NormalizeImage converts an image into an NCHW float32 buffer with values
// scaled to 0..1. It returns the buffer and the image width and height. The
// buffer comes from mempool and may be handed back with mempool.PutFloat32.
func NormalizeImage(img image.Image) ([]float32, int, int, error) {
	if img == nil {
		return nil, 0, 0, &ImageProcessingError{Operation: "normalize", Err: errors.New("input image is nil")}
	}

	nrgba := imaging.Clone(img)
	bounds := nrgba.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	plane := width * height
	tensor := mempool.GetFloat32(3 * plane)

	for y := range height {
		for x := range width {
			off := nrgba.PixOffset(x, y)
			i := y*width + x
			tensor[i] = float32(nrgba.Pix[off]) / 255.0
			tensor[plane+i] = float32(nrgba.Pix[off+1]) / 255.0
			tensor[2*plane+i] = float32(nrgba.Pix[off+2]) / 255.0
		}
	}

	return tensor, width, height, nil
}

// ToRGB flattens any colour model (palette, grey, alpha) onto an opaque
// white background. The result encodes as a 3-channel PNG.
func ToRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Over)
	return out
}

// MergeVertical stacks pages top to bottom, left aligned, on a white canvas
// as wide as the widest page.
func MergeVertical(pages []image.Image) (image.Image, error) {
	if len(pages) == 0 {
		return nil, &ImageProcessingError{Operation: "merge", Err: errors.New("no pages")}
	}
	if len(pages) == 1 {
		return pages[0], nil
	}
	width, height := 0, 0
	for i, p := range pages {
		if p == nil {
			return nil, &ImageProcessingError{Operation: "merge", Err: fmt.Errorf("page %d is nil", i+1)}
		}
		b := p.Bounds()
		width = max(width, b.Dx())
		height += b.Dy()
	}
	canvas := imaging.New(width, height, color.White)
	y := 0
	for _, p := range pages {
		canvas = imaging.Paste(canvas, p, image.Pt(0, y))
		y += p.Bounds().Dy()
	}
	return canvas, nil
}
