package onnx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewImageTensor(t *testing.T) {
	tensor, err := NewImageTensor(make([]float32, 3*4*5), 3, 4, 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 4, 5}, tensor.Shape)
	require.NoError(t, ValidateNCHW(tensor.Shape))

	_, err = NewImageTensor(make([]float32, 7), 3, 4, 5)
	require.Error(t, err)
	_, err = NewImageTensor(nil, 3, 4, 5)
	require.Error(t, err)
}

func TestValidateNCHW(t *testing.T) {
	require.Error(t, ValidateNCHW([]int64{1, 3, 4}))
	require.Error(t, ValidateNCHW([]int64{1, 3, 0, 4}))
}

func TestValidateGPUConfig(t *testing.T) {
	require.NoError(t, ValidateGPUConfig(DefaultGPUConfig()))
	require.NoError(t, ValidateGPUConfig(GPUConfig{UseGPU: true}))
	require.Error(t, ValidateGPUConfig(GPUConfig{UseGPU: true, DeviceID: -1}))
}

func TestCudaSettings(t *testing.T) {
	s := cudaSettings(GPUConfig{UseGPU: true, DeviceID: 2, GPUMemLimit: 1024})
	assert.Equal(t, "2", s["device_id"])
	assert.Equal(t, "1024", s["gpu_mem_limit"])

	s = cudaSettings(GPUConfig{UseGPU: true})
	_, ok := s["gpu_mem_limit"]
	assert.False(t, ok)
}

func TestLibraryCandidatesOrder(t *testing.T) {
	t.Setenv(EnvLibraryPath, "/env/libonnxruntime.so")
	c := LibraryCandidates("/explicit/lib.so", false)
	require.GreaterOrEqual(t, len(c), 2)
	assert.Equal(t, "/explicit/lib.so", c[0])
	assert.Equal(t, "/env/libonnxruntime.so", c[1])
}
