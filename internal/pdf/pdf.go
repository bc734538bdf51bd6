// Package pdf turns PDF documents into page images.
package pdf

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// Backend names accepted by NewExtractor.
const (
	BackendRender = "render"
	BackendImages = "images"
)

// ErrNoPages is returned when a document yields no usable page image.
var ErrNoPages = errors.New("document produced no page images")

// PageExtractor returns the pages of a document as images, in page order.
type PageExtractor interface {
	ExtractPages(ctx context.Context, path string) ([]image.Image, error)
}

// NewExtractor selects an extractor by backend name. An empty name picks
// the renderer.
func NewExtractor(backend string, dpi float64) (PageExtractor, error) {
	switch backend {
	case "", BackendRender:
		return &Renderer{DPI: dpi}, nil
	case BackendImages:
		return &ImageExtractor{}, nil
	default:
		return nil, fmt.Errorf("unknown pdf backend %q (must be %s or %s)", backend, BackendRender, BackendImages)
	}
}

// ImageExtractor pulls the embedded raster images out of each page with
// pdfcpu. It suits scanned documents where every page is one image.
type ImageExtractor struct{}

// ExtractPages extracts embedded images and returns them ordered by page,
// then by their order within the page.
func (ImageExtractor) ExtractPages(ctx context.Context, path string) ([]image.Image, error) {
	tempDir, err := os.MkdirTemp("", "pdf-extract-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(tempDir) }()

	if err := api.ExtractImagesFile(path, tempDir, nil, nil); err != nil {
		return nil, fmt.Errorf("failed to extract images from PDF: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	files, err := collectExtractedFiles(tempDir)
	if err != nil {
		return nil, fmt.Errorf("failed to process extracted images: %w", err)
	}

	pages := make([]image.Image, 0, len(files))
	for _, f := range files {
		img, err := loadImageFile(f.path)
		if err != nil {
			continue
		}
		pages = append(pages, img)
	}
	if len(pages) == 0 {
		return nil, ErrNoPages
	}
	return pages, nil
}

type extractedFile struct {
	path string
	page int
	name string
}

var (
	pageImagePattern = regexp.MustCompile(`^page_(\d+)_`)
	suffixPattern    = regexp.MustCompile(`_(\d+)_([^_]+)\.[A-Za-z0-9]+$`)
)

// parsePageFromFilename extracts the page number from a pdfcpu output name.
// Both "page_<n>_image_<i>.<ext>" and "<doc>_<n>_<id>.<ext>" are accepted.
func parsePageFromFilename(filename string) (int, error) {
	if m := pageImagePattern.FindStringSubmatch(filename); m != nil {
		return strconv.Atoi(m[1])
	}
	if m := suffixPattern.FindStringSubmatch(filename); m != nil {
		return strconv.Atoi(m[1])
	}
	return 0, errors.New("not a page file")
}

func collectExtractedFiles(dir string) ([]extractedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []extractedFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		page, err := parsePageFromFilename(e.Name())
		if err != nil {
			continue
		}
		files = append(files, extractedFile{path: filepath.Join(dir, e.Name()), page: page, name: e.Name()})
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].page != files[j].page {
			return files[i].page < files[j].page
		}
		return files[i].name < files[j].name
	})
	return files, nil
}

func loadImageFile(path string) (image.Image, error) {
	file, err := os.Open(path) //nolint:gosec // G304: temp directory we created
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	img, _, err := image.Decode(file)
	return img, err
}
