// Package detector finds receipt boundaries in page images.
package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/MeKo-Tech/recrop/internal/mempool"
	"github.com/MeKo-Tech/recrop/internal/onnx"
	"github.com/MeKo-Tech/recrop/internal/utils"
	"github.com/yalue/onnxruntime_go"
)

// BoundaryDetector returns candidate receipt regions for one image. An empty
// slice with a nil error means nothing was found.
type BoundaryDetector interface {
	Detect(ctx context.Context, img image.Image) ([]DetectedRegion, error)
}

// Detector runs a YOLO-style receipt model through ONNX Runtime. One
// instance is loaded per process and shared by every worker; inference
// calls are serialized on the session.
type Detector struct {
	config     Config
	session    *onnxruntime_go.DynamicAdvancedSession
	inputInfo  onnxruntime_go.InputOutputInfo
	outputInfo onnxruntime_go.InputOutputInfo
	mu         sync.Mutex
	logger     *slog.Logger
}

var _ BoundaryDetector = (*Detector)(nil)

// NewDetector loads the model and creates the inference session.
func NewDetector(config Config, logger *slog.Logger) (*Detector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if err := validateModelFile(config.ModelPath); err != nil {
		return nil, err
	}

	logger.Debug("Initializing detector",
		"model_path", config.ModelPath,
		"gpu_enabled", config.GPU.UseGPU,
		"input_size", config.InputSize,
		"confidence_threshold", config.ConfidenceThreshold)

	if err := onnx.Init(config.LibraryPath, config.GPU.UseGPU); err != nil {
		return nil, err
	}

	inputInfo, outputInfo, err := validateModelInfo(config.ModelPath)
	if err != nil {
		return nil, err
	}

	session, err := createSession(inputInfo, outputInfo, config)
	if err != nil {
		return nil, err
	}

	return &Detector{
		config:     config,
		session:    session,
		inputInfo:  inputInfo,
		outputInfo: outputInfo,
		logger:     logger,
	}, nil
}

// Close releases the session. The ONNX environment stays up for other users.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil
	}
	err := d.session.Destroy()
	d.session = nil
	return err
}

// Config returns a copy of the detector's configuration.
func (d *Detector) Config() Config { return d.config }

type detectOutcome struct {
	regions []DetectedRegion
	err     error
}

// Detect runs inference on img. When ctx ends first, Detect returns the
// context error; the in-flight inference finishes in the background and its
// result is discarded.
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]DetectedRegion, error) {
	if img == nil {
		return nil, errors.New("nil image")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := make(chan detectOutcome, 1)
	go func() {
		regions, err := d.detect(img)
		done <- detectOutcome{regions: regions, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("detection aborted: %w", ctx.Err())
	case out := <-done:
		return out.regions, out.err
	}
}

func (d *Detector) detect(img image.Image) ([]DetectedRegion, error) {
	boxed, lb, err := utils.LetterboxImage(img, d.config.InputSize)
	if err != nil {
		return nil, fmt.Errorf("failed to letterbox image: %w", err)
	}
	data, w, h, err := utils.NormalizeImage(boxed)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize image: %w", err)
	}
	// The runtime tensor wraps data and is destroyed before detect returns.
	defer mempool.PutFloat32(data)
	tensor, err := onnx.NewImageTensor(data, 3, h, w)
	if err != nil {
		return nil, fmt.Errorf("failed to create tensor: %w", err)
	}

	out, shape, err := d.runInference(tensor)
	if err != nil {
		return nil, err
	}
	defer mempool.PutFloat32(out)

	b := img.Bounds()
	regions, err := DecodeYOLO(out, shape, DecodeOptions{
		ConfidenceThreshold: d.config.ConfidenceThreshold,
		IoUThreshold:        d.config.IoUThreshold,
		MaxDetections:       d.config.MaxDetections,
		Letterbox:           lb,
		ImageWidth:          b.Dx(),
		ImageHeight:         b.Dy(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode detections: %w", err)
	}
	d.logger.Debug("detection complete", "regions", len(regions), "width", b.Dx(), "height", b.Dy())
	return regions, nil
}

// runInference executes the session and copies the output out of the
// runtime-owned tensor.
func (d *Detector) runInference(tensor onnx.Tensor) ([]float32, []int64, error) {
	if err := onnx.ValidateNCHW(tensor.Shape); err != nil {
		return nil, nil, fmt.Errorf("invalid tensor: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil, nil, errors.New("detector session is closed")
	}

	input, err := onnxruntime_go.NewTensor(onnxruntime_go.NewShape(tensor.Shape...), tensor.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer func() { _ = input.Destroy() }()

	outputs := []onnxruntime_go.Value{nil}
	if err := d.session.Run([]onnxruntime_go.Value{input}, outputs); err != nil {
		return nil, nil, fmt.Errorf("inference failed: %w", err)
	}
	defer func() { _ = outputs[0].Destroy() }()

	floatTensor, ok := outputs[0].(*onnxruntime_go.Tensor[float32])
	if !ok {
		return nil, nil, errors.New("output is not a float32 tensor")
	}
	raw := floatTensor.GetData()
	data := mempool.GetFloat32(len(raw))
	copy(data, raw)
	shape := append([]int64(nil), floatTensor.GetShape()...)
	return data, shape, nil
}

// DetectorFunc adapts a plain function to BoundaryDetector.
type DetectorFunc func(ctx context.Context, img image.Image) ([]DetectedRegion, error)

// Detect calls f.
func (f DetectorFunc) Detect(ctx context.Context, img image.Image) ([]DetectedRegion, error) {
	return f(ctx, img)
}
