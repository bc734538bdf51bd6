// Package convert normalizes downloaded sources into RGB PNG pages.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/MeKo-Tech/recrop/internal/pdf"
	"github.com/MeKo-Tech/recrop/internal/utils"
	"github.com/gen2brain/heic"
)

// ErrUnsupportedFormat is returned for formats that cannot be rasterised.
var ErrUnsupportedFormat = errors.New("unsupported format")

var officeExtensions = map[string]bool{
	".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".hwp": true, ".odt": true,
}

// Config controls conversion.
type Config struct {
	PDFBackend string
	PDFDPI     float64
	// MergeDir receives the composite page of multi-page documents. Empty
	// disables saving it.
	MergeDir string
}

// DefaultConfig renders PDFs at 300 DPI.
func DefaultConfig() Config {
	return Config{PDFBackend: pdf.BackendRender, PDFDPI: pdf.DefaultDPI}
}

// Rasterizer converts one source file into a PNG.
type Rasterizer interface {
	ToRaster(ctx context.Context, path, destDir string) (string, error)
}

// Converter is the default Rasterizer.
type Converter struct {
	config Config
	pages  pdf.PageExtractor
	logger *slog.Logger
}

// New builds a Converter using the configured PDF backend.
func New(config Config, logger *slog.Logger) (*Converter, error) {
	ex, err := pdf.NewExtractor(config.PDFBackend, config.PDFDPI)
	if err != nil {
		return nil, err
	}
	return NewWithExtractor(config, ex, logger), nil
}

// NewWithExtractor builds a Converter around an explicit page extractor.
func NewWithExtractor(config Config, pages pdf.PageExtractor, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{config: config, pages: pages, logger: logger}
}

// ToRaster decodes path and writes destDir/<stem>.png as opaque RGB.
// Documents are flattened to a single composite page first.
func (c *Converter) ToRaster(ctx context.Context, path, destDir string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	stem := utils.Stem(path)

	var (
		img image.Image
		err error
	)
	switch {
	case officeExtensions[ext]:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	case ext == ".pdf":
		img, err = c.documentPage(ctx, path, stem)
	default:
		img, err = decodeFile(path)
	}
	if err != nil {
		return "", err
	}

	out := filepath.Join(destDir, stem+".png")
	if err := utils.SavePNG(utils.ToRGB(img), out); err != nil {
		return "", fmt.Errorf("failed to save raster: %w", err)
	}
	c.logger.Debug("converted to png", "source", path, "output", out)
	return out, nil
}

// ExtractPages exposes the document page extractor.
func (c *Converter) ExtractPages(ctx context.Context, path string) ([]image.Image, error) {
	return c.pages.ExtractPages(ctx, path)
}

func (c *Converter) documentPage(ctx context.Context, path, stem string) (image.Image, error) {
	pages, err := c.pages.ExtractPages(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("document extraction failed: %w", err)
	}
	merged, err := utils.MergeVertical(pages)
	if err != nil {
		return nil, fmt.Errorf("document merge failed: %w", err)
	}
	if c.config.MergeDir != "" && len(pages) > 1 {
		mergedPath := filepath.Join(c.config.MergeDir, stem+"_merged.png")
		if err := utils.SavePNG(merged, mergedPath); err != nil {
			c.logger.Warn("failed to keep merged document page", "path", mergedPath, "error", err)
		}
	}
	c.logger.Debug("merged document pages", "source", path, "pages", len(pages))
	return merged, nil
}

func decodeFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: pipeline-managed path
	if err != nil {
		return nil, fmt.Errorf("failed to read source: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".heic" || ext == ".heif" || isHEIC(data) {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// isHEIC sniffs the ISO-BMFF ftyp brand.
func isHEIC(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}
