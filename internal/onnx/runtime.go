package onnx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/yalue/onnxruntime_go"
)

// EnvLibraryPath overrides the shared library location.
const EnvLibraryPath = "ONNXRUNTIME_LIB"

var initMu sync.Mutex

// libraryName returns the shared library filename for the current OS.
func libraryName() (string, error) {
	switch runtime.GOOS {
	case "linux":
		return "libonnxruntime.so", nil
	case "darwin":
		return "libonnxruntime.dylib", nil
	case "windows":
		return "onnxruntime.dll", nil
	default:
		return "", fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
}

// LibraryCandidates lists the locations searched for the runtime library, in
// order: explicit path, environment override, system dirs, then ./onnxruntime.
func LibraryCandidates(explicit string, useGPU bool) []string {
	var out []string
	if explicit != "" {
		out = append(out, explicit)
	}
	if env := os.Getenv(EnvLibraryPath); env != "" {
		out = append(out, env)
	}
	name, err := libraryName()
	if err != nil {
		return out
	}
	if useGPU {
		out = append(out, filepath.Join("/opt/onnxruntime/gpu/lib", name))
	}
	out = append(out,
		filepath.Join("/usr/local/lib", name),
		filepath.Join("/usr/lib", name),
		filepath.Join("/opt/onnxruntime/cpu/lib", name),
	)
	if cwd, err := os.Getwd(); err == nil {
		if useGPU {
			out = append(out, filepath.Join(cwd, "onnxruntime", "gpu", "lib", name))
		}
		out = append(out, filepath.Join(cwd, "onnxruntime", "lib", name))
	}
	return out
}

// Init locates the shared library and initialises the process-wide ONNX
// environment. It is safe to call repeatedly.
func Init(explicit string, useGPU bool) error {
	initMu.Lock()
	defer initMu.Unlock()

	if onnxruntime_go.IsInitialized() {
		return nil
	}

	found := ""
	for _, p := range LibraryCandidates(explicit, useGPU) {
		if _, err := os.Stat(p); err == nil {
			found = p
			break
		}
	}
	if found == "" {
		return errors.New("ONNX Runtime library not found; set " + EnvLibraryPath)
	}
	onnxruntime_go.SetSharedLibraryPath(found)

	if err := onnxruntime_go.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
	}
	return nil
}

// Shutdown tears down the ONNX environment. Call once at process exit.
func Shutdown() error {
	initMu.Lock()
	defer initMu.Unlock()
	if !onnxruntime_go.IsInitialized() {
		return nil
	}
	return onnxruntime_go.DestroyEnvironment()
}
