package onnx

import (
	"errors"
	"fmt"
)

// Tensor represents a float32 tensor prepared for ONNX input.
// Data layout is row-major, NCHW for images.
type Tensor struct {
	Data  []float32
	Shape []int64
}

// NewImageTensor builds a single-image tensor with shape [1, C, H, W].
func NewImageTensor(data []float32, c, h, w int) (Tensor, error) {
	if data == nil {
		return Tensor{}, errors.New("nil data")
	}
	if expected := c * h * w; len(data) != expected {
		return Tensor{}, fmt.Errorf("unexpected data length: got %d, want %d", len(data), expected)
	}
	return Tensor{Data: data, Shape: []int64{1, int64(c), int64(h), int64(w)}}, nil
}

// ValidateNCHW ensures a shape is [N, C, H, W] with positive dimensions.
func ValidateNCHW(shape []int64) error {
	if len(shape) != 4 {
		return fmt.Errorf("expected 4 dims, got %d", len(shape))
	}
	for i, d := range shape {
		if d <= 0 {
			return fmt.Errorf("dimension %d must be positive, got %d", i, d)
		}
	}
	return nil
}
