package testutil

import (
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// PageConfig describes a synthetic scanned page holding receipt slips.
type PageConfig struct {
	Width      int
	Height     int
	Background color.Color
	Slip       color.Color
	Ink        color.Color
	// Slips are the receipt rectangles drawn on the page.
	Slips []image.Rectangle
	// Lines are printed on every slip, one per row.
	Lines    []string
	Rotation float64 // rotation in degrees
}

// DefaultPageConfig returns a 640x480 page with one centred slip.
func DefaultPageConfig() PageConfig {
	return PageConfig{
		Width:      640,
		Height:     480,
		Background: color.Gray{Y: 96},
		Slip:       color.White,
		Ink:        color.Black,
		Slips:      []image.Rectangle{image.Rect(200, 40, 440, 440)},
		Lines:      []string{"CAFE SEOUL", "LATTE 2 x 45.00", "TOTAL 110.00"},
	}
}

// GeneratePage renders the page described by config.
func GeneratePage(config PageConfig) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, config.Width, config.Height))
	draw.Draw(img, img.Bounds(), &image.Uniform{config.Background}, image.Point{}, draw.Src)

	face := basicfont.Face7x13
	lineHeight := face.Metrics().Height.Ceil()
	drawer := &font.Drawer{Dst: img, Src: &image.Uniform{config.Ink}, Face: face}

	for _, slip := range config.Slips {
		draw.Draw(img, slip, &image.Uniform{config.Slip}, image.Point{}, draw.Src)
		for i, line := range config.Lines {
			y := slip.Min.Y + (i+2)*lineHeight
			if y > slip.Max.Y {
				break
			}
			drawer.Dot = fixed.P(slip.Min.X+8, y)
			drawer.DrawString(line)
		}
	}

	if config.Rotation != 0 {
		rotated := imaging.Rotate(img, config.Rotation, config.Background)
		rgba := image.NewRGBA(rotated.Bounds())
		draw.Draw(rgba, rgba.Bounds(), rotated, rotated.Bounds().Min, draw.Src)
		return rgba
	}
	return img
}

// WritePage renders config and saves it as dir/name, returning the path.
func WritePage(t *testing.T, dir, name string, config PageConfig) string {
	t.Helper()

	path := filepath.Join(dir, name)
	SaveImage(t, GeneratePage(config), path)
	return path
}

// SaveImage saves an image to the specified path.
func SaveImage(t *testing.T, img image.Image, path string) {
	t.Helper()

	// Ensure directory exists
	dir := filepath.Dir(path)
	require.NoError(t, EnsureDir(dir), "Failed to create directory %s", dir)

	file, err := os.Create(path) //nolint:gosec // G304: Test file creation with controlled path
	require.NoError(t, err, "Failed to create file %s", path)
	defer func() {
		require.NoError(t, file.Close())
	}()

	err = png.Encode(file, img)
	require.NoError(t, err, "Failed to encode PNG image")
}

// LoadImage loads an image from the specified path.
func LoadImage(t *testing.T, path string) image.Image {
	t.Helper()

	file, err := os.Open(path) //nolint:gosec // G304: Test file reading with controlled path
	require.NoError(t, err, "Failed to open image file %s", path)
	defer func() { _ = file.Close() }()

	img, _, err := image.Decode(file)
	require.NoError(t, err, "Failed to decode image")

	return img
}

// CompareImages compares two images and returns true if they are similar.
func CompareImages(img1, img2 image.Image, tolerance float64) bool {
	bounds1 := img1.Bounds()
	bounds2 := img2.Bounds()

	if bounds1.Size() != bounds2.Size() {
		return false
	}

	var totalDiff float64
	var pixelCount float64

	for y := 0; y < bounds1.Dy(); y++ {
		for x := 0; x < bounds1.Dx(); x++ {
			r1, g1, b1, a1 := img1.At(bounds1.Min.X+x, bounds1.Min.Y+y).RGBA()
			r2, g2, b2, a2 := img2.At(bounds2.Min.X+x, bounds2.Min.Y+y).RGBA()

			dr := float64(r1) - float64(r2)
			dg := float64(g1) - float64(g2)
			db := float64(b1) - float64(b2)
			da := float64(a1) - float64(a2)

			totalDiff += math.Sqrt(dr*dr + dg*dg + db*db + da*da)
			pixelCount++
		}
	}
	if pixelCount == 0 {
		return true
	}

	avgDiff := totalDiff / pixelCount
	maxDiff := math.Sqrt(4 * 65535 * 65535) // Maximum possible difference

	return (avgDiff / maxDiff) <= tolerance
}

// CreateTestImage creates a simple test image with the specified dimensions and color.
func CreateTestImage(width, height int, backgroundColor color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{backgroundColor}, image.Point{}, draw.Src)
	return img
}
