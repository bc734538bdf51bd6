package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetModelsDir(t *testing.T) {
	tests := []struct {
		name           string
		explicitDir    string
		envVar         string
		expectedResult string
	}{
		{
			name:           "explicit directory takes precedence",
			explicitDir:    "/explicit/path",
			envVar:         "/env/path",
			expectedResult: "/explicit/path",
		},
		{
			name:           "environment variable used when no explicit dir",
			envVar:         "/env/path",
			expectedResult: "/env/path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvModelsDir, tt.envVar)
			assert.Equal(t, tt.expectedResult, GetModelsDir(tt.explicitDir))
		})
	}
}

func TestResolveModelPathPrefersOrganizedLayout(t *testing.T) {
	dir := t.TempDir()

	flat := ResolveModelPath(dir, TypeDetection, ReceiptDetector)
	assert.Equal(t, filepath.Join(dir, ReceiptDetector), flat)

	organized := filepath.Join(dir, TypeDetection, ReceiptDetector)
	require.NoError(t, os.MkdirAll(filepath.Dir(organized), 0o750))
	require.NoError(t, os.WriteFile(organized, []byte("onnx"), 0o600))

	assert.Equal(t, organized, GetDetectorModelPath(dir, false))
	assert.Equal(t, filepath.Join(dir, ReceiptDetectorSmall), GetDetectorModelPath(dir, true))
}

func TestValidateModelExists(t *testing.T) {
	dir := t.TempDir()
	require.Error(t, ValidateModelExists(filepath.Join(dir, "missing.onnx")))

	p := filepath.Join(dir, "m.onnx")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
	require.NoError(t, ValidateModelExists(p))
}
