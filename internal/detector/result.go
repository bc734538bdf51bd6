package detector

import (
	"encoding/json"
	"fmt"
	"image"

	"github.com/MeKo-Tech/recrop/internal/utils"
)

// DetectedRegion is one candidate receipt box in source image coordinates.
type DetectedRegion struct {
	Box        utils.Box `json:"box"`
	Confidence float64   `json:"confidence"`
	ClassID    int       `json:"class_id"`
}

// Valid reports whether the box has non-negative, strictly ordered corners.
func (r DetectedRegion) Valid() bool {
	b := r.Box
	return b.MinX >= 0 && b.MinY >= 0 && b.MaxX > b.MinX && b.MaxY > b.MinY
}

// DetectionResultJSON is a serializable detection summary.
type DetectionResultJSON struct {
	Width   int              `json:"width"`
	Height  int              `json:"height"`
	Regions []DetectedRegion `json:"regions"`
}

// RegionsToJSON encodes regions together with the image dimensions.
func RegionsToJSON(regs []DetectedRegion, bounds image.Rectangle) ([]byte, error) {
	out := DetectionResultJSON{Width: bounds.Dx(), Height: bounds.Dy(), Regions: regs}
	if out.Regions == nil {
		out.Regions = []DetectedRegion{}
	}
	return json.MarshalIndent(out, "", "  ")
}

// RegionsFromJSON parses a detection summary.
func RegionsFromJSON(data []byte) (*DetectionResultJSON, error) {
	var out DetectionResultJSON
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("invalid detection JSON: %w", err)
	}
	return &out, nil
}
