package detector

import (
	"context"
	"image"
	"path/filepath"
	"testing"

	"github.com/MeKo-Tech/recrop/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// yoloTensor lays predictions out as [1, 4+classes, anchors].
func yoloTensor(preds [][]float32) ([]float32, []int64) {
	attrs := len(preds[0])
	anchors := len(preds)
	data := make([]float32, attrs*anchors)
	for i, p := range preds {
		for a, v := range p {
			data[a*anchors+i] = v
		}
	}
	return data, []int64{1, int64(attrs), int64(anchors)}
}

func identityLetterbox() utils.Letterbox {
	return utils.Letterbox{Scale: 1, Size: 640}
}

func TestDecodeYOLOFiltersAndRanks(t *testing.T) {
	preds := [][]float32{
		{100, 100, 40, 40, 0.60},
		{300, 300, 50, 50, 0.90},
		{102, 101, 40, 40, 0.55}, // overlaps the first
		{500, 500, 10, 10, 0.10}, // below threshold
		{10, 10, 4, 4, 0.00},
		{20, 20, 4, 4, 0.00},
	}
	data, shape := yoloTensor(preds)

	regions, err := DecodeYOLO(data, shape, DecodeOptions{
		ConfidenceThreshold: 0.25,
		IoUThreshold:        0.5,
		Letterbox:           identityLetterbox(),
		ImageWidth:          640,
		ImageHeight:         640,
	})
	require.NoError(t, err)
	require.Len(t, regions, 2)
	assert.InDelta(t, 0.90, regions[0].Confidence, 1e-6)
	assert.InDelta(t, 0.60, regions[1].Confidence, 1e-6)
	assert.Equal(t, utils.NewBox(275, 275, 325, 325), regions[0].Box)
	for _, r := range regions {
		assert.True(t, r.Valid())
	}
}

func TestDecodeYOLOTransposedLayout(t *testing.T) {
	// [1, anchors, attrs] with more anchors than attributes
	preds := [][]float32{
		{50, 50, 20, 20, 0.9},
		{0, 0, 1, 1, 0},
		{0, 0, 1, 1, 0},
		{0, 0, 1, 1, 0},
		{0, 0, 1, 1, 0},
		{0, 0, 1, 1, 0},
	}
	var data []float32
	for _, p := range preds {
		data = append(data, p...)
	}
	regions, err := DecodeYOLO(data, []int64{1, 6, 5}, DecodeOptions{
		ConfidenceThreshold: 0.5,
		IoUThreshold:        0.7,
		Letterbox:           identityLetterbox(),
	})
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, utils.NewBox(40, 40, 60, 60), regions[0].Box)
}

func TestDecodeYOLOMapsLetterboxAndClamps(t *testing.T) {
	preds := [][]float32{
		{320, 320, 640, 320, 0.8},
		{0, 0, 1, 1, 0},
		{0, 0, 1, 1, 0},
		{0, 0, 1, 1, 0},
		{0, 0, 1, 1, 0},
		{0, 0, 1, 1, 0},
	}
	data, shape := yoloTensor(preds)
	// 1280x640 source letterboxed into 640: scale 0.5, padY 160
	regions, err := DecodeYOLO(data, shape, DecodeOptions{
		ConfidenceThreshold: 0.5,
		IoUThreshold:        0.7,
		Letterbox:           utils.Letterbox{Scale: 0.5, PadX: 0, PadY: 160, Size: 640},
		ImageWidth:          1280,
		ImageHeight:         640,
	})
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, utils.NewBox(0, 0, 1280, 640), regions[0].Box)
}

func TestDecodeYOLOKeepsBoxesOutsideTheImage(t *testing.T) {
	preds := [][]float32{
		{320, 320, 200, 200, 0.9},
		{320, 60, 100, 100, 0.8}, // entirely inside the top padding band
		{0, 0, 1, 1, 0},
		{0, 0, 1, 1, 0},
		{0, 0, 1, 1, 0},
		{0, 0, 1, 1, 0},
	}
	data, shape := yoloTensor(preds)
	// 1280x640 source letterboxed into 640: scale 0.5, padY 160
	regions, err := DecodeYOLO(data, shape, DecodeOptions{
		ConfidenceThreshold: 0.5,
		IoUThreshold:        0.7,
		Letterbox:           utils.Letterbox{Scale: 0.5, PadX: 0, PadY: 160, Size: 640},
		ImageWidth:          1280,
		ImageHeight:         640,
	})
	require.NoError(t, err)
	require.Len(t, regions, 2)
	assert.True(t, regions[0].Valid())
	assert.False(t, regions[1].Valid())
	assert.Zero(t, regions[1].Box.Area())
}

func TestDecodeYOLOMaxDetections(t *testing.T) {
	preds := [][]float32{
		{50, 50, 10, 10, 0.9},
		{150, 150, 10, 10, 0.8},
		{250, 250, 10, 10, 0.7},
		{350, 350, 10, 10, 0.6},
		{450, 450, 10, 10, 0.5},
		{550, 550, 10, 10, 0.4},
	}
	data, shape := yoloTensor(preds)
	regions, err := DecodeYOLO(data, shape, DecodeOptions{
		ConfidenceThreshold: 0.1,
		IoUThreshold:        0.7,
		MaxDetections:       3,
		Letterbox:           identityLetterbox(),
	})
	require.NoError(t, err)
	assert.Len(t, regions, 3)
}

func TestDecodeYOLORejectsBadShapes(t *testing.T) {
	_, err := DecodeYOLO(make([]float32, 10), []int64{1, 5}, DecodeOptions{})
	require.Error(t, err)
	_, err = DecodeYOLO(make([]float32, 10), []int64{1, 5, 3}, DecodeOptions{})
	require.Error(t, err)
	_, err = DecodeYOLO(make([]float32, 24), []int64{1, 4, 6}, DecodeOptions{})
	require.Error(t, err)
}

func TestNonMaxSuppression(t *testing.T) {
	regions := []DetectedRegion{
		{Box: utils.NewBox(0, 0, 10, 10), Confidence: 0.5},
		{Box: utils.NewBox(1, 1, 11, 11), Confidence: 0.9},
		{Box: utils.NewBox(50, 50, 60, 60), Confidence: 0.7},
	}
	kept := NonMaxSuppression(regions, 0.3)
	require.Len(t, kept, 2)
	assert.InDelta(t, 0.9, kept[0].Confidence, 1e-9)
	assert.InDelta(t, 0.7, kept[1].Confidence, 1e-9)

	assert.Nil(t, NonMaxSuppression(nil, 0.3))
}

func TestRegionsJSONRoundTrip(t *testing.T) {
	regs := []DetectedRegion{{Box: utils.NewBox(1, 2, 3, 4), Confidence: 0.5}}
	data, err := RegionsToJSON(regs, image.Rect(0, 0, 100, 50))
	require.NoError(t, err)

	parsed, err := RegionsFromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, 100, parsed.Width)
	assert.Equal(t, regs, parsed.Regions)

	empty, err := RegionsToJSON(nil, image.Rect(0, 0, 1, 1))
	require.NoError(t, err)
	assert.Contains(t, string(empty), `"regions": []`)
}

func TestValidateConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, validateConfig(cfg))

	bad := cfg
	bad.ModelPath = ""
	require.Error(t, validateConfig(bad))

	bad = cfg
	bad.InputSize = 0
	require.Error(t, validateConfig(bad))

	bad = cfg
	bad.ConfidenceThreshold = 1.5
	require.Error(t, validateConfig(bad))
}

func TestNewDetectorMissingModel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelPath = filepath.Join(t.TempDir(), "missing.onnx")
	_, err := NewDetector(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model file not found")
}

func TestDetectorFunc(t *testing.T) {
	want := []DetectedRegion{{Box: utils.NewBox(0, 0, 5, 5), Confidence: 1}}
	var d BoundaryDetector = DetectorFunc(func(context.Context, image.Image) ([]DetectedRegion, error) {
		return want, nil
	})
	got, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 5, 5)))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
