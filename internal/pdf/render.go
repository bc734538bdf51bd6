package pdf

import (
	"context"
	"fmt"
	"image"

	"github.com/gen2brain/go-fitz"
)

// DefaultDPI is the rendering resolution for scanned receipts.
const DefaultDPI = 300

// Renderer rasterises every page with MuPDF.
type Renderer struct {
	DPI float64
}

// ExtractPages renders each page in order.
func (r *Renderer) ExtractPages(ctx context.Context, path string) ([]image.Image, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer func() { _ = doc.Close() }()

	dpi := r.DPI
	if dpi <= 0 {
		dpi = DefaultDPI
	}

	n := doc.NumPage()
	if n == 0 {
		return nil, ErrNoPages
	}
	pages := make([]image.Image, 0, n)
	for i := range n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := doc.ImageDPI(i, dpi)
		if err != nil {
			return nil, fmt.Errorf("rendering PDF page %d: %w", i+1, err)
		}
		pages = append(pages, img)
	}
	return pages, nil
}
