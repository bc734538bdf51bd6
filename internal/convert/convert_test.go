package convert

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePages struct {
	pages []image.Image
	err   error
}

func (f fakePages) ExtractPages(context.Context, string) ([]image.Image, error) {
	return f.pages, f.err
}

func encodeTo(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()
	if filepath.Ext(path) == ".jpg" {
		require.NoError(t, jpeg.Encode(f, img, nil))
		return
	}
	require.NoError(t, png.Encode(f, img))
}

func decodePNG(t *testing.T, path string) image.Image {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	img, err := png.Decode(f)
	require.NoError(t, err)
	return img
}

func TestToRasterNormalizesPalette(t *testing.T) {
	src := filepath.Join(t.TempDir(), "scan.png")
	pal := image.NewPaletted(image.Rect(0, 0, 4, 4), color.Palette{color.White, color.Black})
	pal.SetColorIndex(0, 0, 1)
	encodeTo(t, src, pal)

	dest := t.TempDir()
	out, err := NewWithExtractor(DefaultConfig(), fakePages{}, nil).ToRaster(context.Background(), src, dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "scan.png"), out)

	img := decodePNG(t, out)
	_, isRGBA := img.(*image.RGBA)
	assert.True(t, isRGBA, "expected truecolor output, got %T", img)
	r, g, b, a := img.At(0, 0).RGBA()
	assert.Equal(t, []uint32{0, 0, 0, 0xffff}, []uint32{r, g, b, a})
}

func TestToRasterJPEG(t *testing.T) {
	src := filepath.Join(t.TempDir(), "photo.jpg")
	encodeTo(t, src, image.NewGray(image.Rect(0, 0, 8, 6)))

	out, err := NewWithExtractor(DefaultConfig(), fakePages{}, nil).ToRaster(context.Background(), src, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 6), decodePNG(t, out).Bounds())
}

func TestToRasterRejectsOfficeAndGarbage(t *testing.T) {
	dir := t.TempDir()
	c := NewWithExtractor(DefaultConfig(), fakePages{}, nil)

	doc := filepath.Join(dir, "invoice.docx")
	require.NoError(t, os.WriteFile(doc, []byte("PK"), 0o600))
	_, err := c.ToRaster(context.Background(), doc, dir)
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	junk := filepath.Join(dir, "junk.png")
	require.NoError(t, os.WriteFile(junk, []byte("not an image"), 0o600))
	_, err = c.ToRaster(context.Background(), junk, dir)
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = c.ToRaster(context.Background(), filepath.Join(dir, "missing.jpg"), dir)
	require.Error(t, err)
}

func TestToRasterMergesDocumentPages(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "statement.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.7"), 0o600))

	cfg := DefaultConfig()
	cfg.MergeDir = filepath.Join(dir, "MergeDoc")
	pages := fakePages{pages: []image.Image{
		image.NewRGBA(image.Rect(0, 0, 10, 20)),
		image.NewRGBA(image.Rect(0, 0, 12, 5)),
	}}

	out, err := NewWithExtractor(cfg, pages, nil).ToRaster(context.Background(), src, filepath.Join(dir, "png"))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 12, 25), decodePNG(t, out).Bounds())
	assert.FileExists(t, filepath.Join(cfg.MergeDir, "statement_merged.png"))
}

func TestToRasterDocumentFailure(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "broken.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF"), 0o600))

	c := NewWithExtractor(DefaultConfig(), fakePages{err: errors.New("corrupt xref")}, nil)
	_, err := c.ToRaster(context.Background(), src, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document extraction failed")
}

func TestIsHEIC(t *testing.T) {
	assert.True(t, isHEIC([]byte("\x00\x00\x00\x18ftypheic\x00\x00")))
	assert.False(t, isHEIC([]byte("\x89PNG\r\n\x1a\n0000")))
	assert.False(t, isHEIC([]byte("short")))
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PDFBackend = "magic"
	_, err := New(cfg, nil)
	require.Error(t, err)
}
