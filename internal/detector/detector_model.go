package detector

import (
	"errors"
	"fmt"
	"os"

	"github.com/MeKo-Tech/recrop/internal/models"
	"github.com/MeKo-Tech/recrop/internal/onnx"
	"github.com/yalue/onnxruntime_go"
)

// Config holds configuration for the receipt boundary detector.
type Config struct {
	ModelPath           string         // Path to the ONNX detection model
	LibraryPath         string         // Optional explicit onnxruntime shared library
	InputSize           int            // Square model input edge (default: 640)
	ConfidenceThreshold float64        // Minimum class score to keep a box (default: 0.25)
	IoUThreshold        float64        // NMS overlap threshold (default: 0.7)
	MaxDetections       int            // Cap on returned regions, 0 = unlimited
	NumThreads          int            // Intra-op threads, 0 = auto
	GPU                 onnx.GPUConfig // GPU acceleration configuration
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() Config {
	return Config{
		ModelPath:           models.GetDetectorModelPath("", false),
		InputSize:           640,
		ConfidenceThreshold: 0.25,
		IoUThreshold:        0.7,
		MaxDetections:       50,
		GPU:                 onnx.DefaultGPUConfig(),
	}
}

// UpdateModelPath points ModelPath at the detector inside modelsDir.
func (c *Config) UpdateModelPath(modelsDir string) {
	c.ModelPath = models.GetDetectorModelPath(modelsDir, false)
}

func validateConfig(config Config) error {
	if config.ModelPath == "" {
		return errors.New("model path cannot be empty")
	}
	if config.InputSize <= 0 {
		return fmt.Errorf("input size must be positive, got %d", config.InputSize)
	}
	if config.ConfidenceThreshold < 0 || config.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be in [0,1], got %v", config.ConfidenceThreshold)
	}
	if config.IoUThreshold < 0 || config.IoUThreshold > 1 {
		return fmt.Errorf("iou threshold must be in [0,1], got %v", config.IoUThreshold)
	}
	return onnx.ValidateGPUConfig(config.GPU)
}

func validateModelFile(modelPath string) error {
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return fmt.Errorf("model file not found: %s", modelPath)
	}
	return nil
}

// validateModelInfo checks the model has a single image input and a single
// prediction output.
func validateModelInfo(modelPath string) (onnxruntime_go.InputOutputInfo, onnxruntime_go.InputOutputInfo, error) {
	inputs, outputs, err := onnxruntime_go.GetInputOutputInfo(modelPath)
	if err != nil {
		return onnxruntime_go.InputOutputInfo{}, onnxruntime_go.InputOutputInfo{},
			fmt.Errorf("failed to get model input/output info: %w", err)
	}
	if len(inputs) != 1 {
		return onnxruntime_go.InputOutputInfo{}, onnxruntime_go.InputOutputInfo{},
			fmt.Errorf("expected 1 input, got %d", len(inputs))
	}
	if len(outputs) < 1 {
		return onnxruntime_go.InputOutputInfo{}, onnxruntime_go.InputOutputInfo{},
			errors.New("model has no outputs")
	}
	return inputs[0], outputs[0], nil
}
