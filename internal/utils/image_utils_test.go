package utils

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsSupportedImage(t *testing.T) {
	cases := []struct {
		path string
		ok   bool
	}{
		{"a.jpg", true},
		{"b.JPEG", true},
		{"c.png", true},
		{"d.bmp", true},
		{"e.tiff", true},
		{"f.webp", true},
		{"g.pdf", false},
		{"h.heic", false},
	}
	for _, c := range cases {
		if IsSupportedImage(c.path) != c.ok {
			t.Fatalf("IsSupportedImage(%s) expected %v", c.path, c.ok)
		}
	}
}

func writeTempPNG(t *testing.T, dir string, w, h int, col color.Color) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, col)
		}
	}
	path := filepath.Join(dir, "test.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	require.NoError(t, png.Encode(f, img))
	return path
}

func TestLoadImageAndMetadata(t *testing.T) {
	dir := t.TempDir()
	p := writeTempPNG(t, dir, 10, 20, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	img, meta, err := LoadImage(p)
	require.NoError(t, err)
	assert.Equal(t, 10, img.Bounds().Dx())
	assert.Equal(t, "png", meta.Format)
	assert.Equal(t, 20, meta.Height)
	assert.Positive(t, meta.SizeBytes)

	_, _, err = LoadImage(filepath.Join(dir, "x.pdf"))
	var ipe *ImageProcessingError
	require.ErrorAs(t, err, &ipe)
	assert.Equal(t, "load", ipe.Operation)
}

func TestSavePNGCreatesDirs(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "a", "b", "out.png")
	require.NoError(t, SavePNG(image.NewRGBA(image.Rect(0, 0, 4, 3)), out))

	img, _, err := LoadImage(out)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 3), img.Bounds())
	_, err = os.Stat(out + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestStem(t *testing.T) {
	assert.Equal(t, "receipt", Stem("/tmp/x/receipt.jpg"))
	assert.Equal(t, "a.b", Stem("a.b.png"))
}

func TestNewBoxOrdersCoordinates(t *testing.T) {
	b := NewBox(10, 20, 2, 4)
	assert.Equal(t, Box{MinX: 2, MinY: 4, MaxX: 10, MaxY: 20}, b)
	assert.InDelta(t, 8.0, b.Width(), 1e-9)
	assert.InDelta(t, 128.0, b.Area(), 1e-9)
}

func TestToRectClampsToBounds(t *testing.T) {
	bounds := image.Rect(0, 0, 100, 50)

	r := NewBox(-10, -5, 40.2, 20.7).ToRect(bounds)
	assert.Equal(t, image.Rect(0, 0, 41, 21), r)

	r = NewBox(90, 40, 300, 300).ToRect(bounds)
	assert.Equal(t, image.Rect(90, 40, 100, 50), r)

	r = NewBox(200, 200, 300, 300).ToRect(bounds)
	assert.True(t, r.Empty())
}

func TestIoU(t *testing.T) {
	a := NewBox(0, 0, 10, 10)
	assert.InDelta(t, 1.0, a.IoU(a), 1e-9)
	assert.InDelta(t, 0.0, a.IoU(NewBox(20, 20, 30, 30)), 1e-9)
	assert.InDelta(t, 25.0/175.0, a.IoU(NewBox(5, 5, 15, 15)), 1e-9)
}

func TestUnletterbox(t *testing.T) {
	b := NewBox(20, 70, 120, 170).Unletterbox(0.5, 20, 70)
	assert.Equal(t, NewBox(0, 0, 200, 200), b)
}

func TestCropImageBox(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 50, 40))
	out := CropImageBox(img, NewBox(10, 10, 30, 25))
	assert.Equal(t, 20, out.Bounds().Dx())
	assert.Equal(t, 15, out.Bounds().Dy())

	empty := CropImageBox(img, NewBox(60, 60, 70, 70))
	assert.True(t, empty.Bounds().Empty())
}
