package utils

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestLetterboxImage(t *testing.T) {
	img := solid(200, 100, color.White)

	out, lb, err := LetterboxImage(img, 64)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 64), out.Bounds())
	assert.InDelta(t, 0.32, lb.Scale, 1e-9)
	assert.InDelta(t, 0.0, lb.PadX, 1e-9)
	assert.InDelta(t, 16.0, lb.PadY, 1e-9)

	// padding rows keep the grey fill, content rows are white
	assert.Equal(t, LetterboxPad, out.NRGBAAt(10, 2))
	assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, out.NRGBAAt(10, 32))
}

func TestLetterboxImageErrors(t *testing.T) {
	_, _, err := LetterboxImage(nil, 64)
	require.Error(t, err)
	_, _, err = LetterboxImage(solid(2, 2, color.Black), 0)
	require.Error(t, err)
}

func TestNormalizeImage(t *testing.T) {
	img := solid(3, 2, color.RGBA{R: 255, G: 0, B: 51, A: 255})
	data, w, h, err := NormalizeImage(img)
	require.NoError(t, err)
	assert.Equal(t, 3, w)
	assert.Equal(t, 2, h)
	require.Len(t, data, 18)
	assert.InDelta(t, 1.0, data[0], 1e-6)
	assert.InDelta(t, 0.0, data[6], 1e-6)
	assert.InDelta(t, 0.2, data[12], 1e-6)

	_, _, _, err = NormalizeImage(nil)
	require.Error(t, err)
}

func TestToRGBFlattensAlphaAndPalette(t *testing.T) {
	transparent := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	out := ToRGB(transparent)
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, out.RGBAAt(0, 0))

	pal := image.NewPaletted(image.Rect(0, 0, 2, 2), color.Palette{color.Black, color.White})
	pal.SetColorIndex(1, 1, 1)
	out = ToRGB(pal)
	assert.Equal(t, color.RGBA{A: 255}, out.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, out.RGBAAt(1, 1))

	gray := image.NewGray(image.Rect(5, 5, 7, 7))
	out = ToRGB(gray)
	assert.Equal(t, image.Rect(0, 0, 2, 2), out.Bounds())
}

func TestMergeVertical(t *testing.T) {
	a := solid(10, 5, color.Black)
	b := solid(6, 7, color.Black)

	merged, err := MergeVertical([]image.Image{a, b})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 10, 12), merged.Bounds())

	// right of the narrower second page stays white
	r, g, bl, _ := merged.At(8, 9).RGBA()
	assert.Equal(t, []uint32{0xffff, 0xffff, 0xffff}, []uint32{r, g, bl})

	single, err := MergeVertical([]image.Image{a})
	require.NoError(t, err)
	assert.Same(t, a, single)

	_, err = MergeVertical(nil)
	require.Error(t, err)
}

func TestImageProcessingErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &ImageProcessingError{Operation: "decode", Err: cause}
	assert.Equal(t, "image processing error in decode: boom", err.Error())
	assert.ErrorIs(t, err, cause)
}
