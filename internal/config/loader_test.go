package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MeKo-Tech/recrop/internal/store"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewLoader(t *testing.T) {
	loader := NewLoader()
	require.NotNil(t, loader)
	assert.Same(t, viper.GetViper(), loader.GetViper())
}

func TestLoadWithNoConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := newTestLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Fetch.Timeout)
}

func TestLoadWithValidYAMLFile(t *testing.T) {
	path := writeConfig(t, "recrop.yaml", `
log_level: debug
verbose: true
models_dir: /custom/models
detector:
  confidence_threshold: 0.4
workspace:
  root: /data/rpa
  dated: false
fetch:
  timeout: 3s
store:
  driver: bolt
  bolt_path: /data/recrop.bolt
timeouts:
  ocr: 2m
server:
  port: 9090
  runs_per_minute: 5
queue:
  queue_name: receipts
`)

	cfg, err := newTestLoader().LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Verbose)
	assert.Equal(t, "/custom/models", cfg.ModelsDir)
	assert.InDelta(t, 0.4, cfg.Detector.ConfidenceThreshold, 1e-9)
	assert.Equal(t, "/data/rpa", cfg.Workspace.Root)
	assert.False(t, cfg.Workspace.Dated)
	assert.Equal(t, 3*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, store.DriverBolt, cfg.Store.Driver)
	assert.Equal(t, "/data/recrop.bolt", cfg.Store.BoltPath)
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.OCR)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Server.RunsPerMinute)
	assert.Equal(t, "receipts", cfg.Queue.Name)

	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultConfig().Detector.InputSize, cfg.Detector.InputSize)
}

func TestLoadWithInvalidYAMLFile(t *testing.T) {
	path := writeConfig(t, "recrop.yaml", "log_level: debug\n  invalid indentation\n    more\n")

	_, err := newTestLoader().LoadWithFile(path)
	assert.Error(t, err)
}

func TestLoadWithNonExistentFile(t *testing.T) {
	_, err := newTestLoader().LoadWithFile("/nonexistent/recrop.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestLoadWithValidationFailure(t *testing.T) {
	path := writeConfig(t, "recrop.yaml", "log_level: chatty\n")

	_, err := newTestLoader().LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")

	cfg, err := newTestLoader().LoadWithFileWithoutValidation(path)
	require.NoError(t, err)
	assert.Equal(t, "chatty", cfg.LogLevel)
}

func TestEnvironmentVariableOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RECROP_LOG_LEVEL", "warn")
	t.Setenv("RECROP_STORE_DRIVER", "postgres")
	t.Setenv("RECROP_STORE_DSN", "postgres://recrop@db/recrop")
	t.Setenv("RECROP_OCR_KEY", "from-env")
	t.Setenv("RECROP_TIMEOUTS_DOWNLOAD", "45s")
	t.Setenv("RECROP_BATCH_WORKERS", "9")

	cfg, err := newTestLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, store.DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://recrop@db/recrop", cfg.Store.DSN)
	assert.Equal(t, "from-env", cfg.OCR.Key)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.Download)
	assert.Equal(t, 9, cfg.Batch.Workers)
}

func TestEnvironmentBeatsFile(t *testing.T) {
	path := writeConfig(t, "recrop.yaml", "server:\n  port: 9090\n")
	t.Setenv("RECROP_SERVER_PORT", "7070")

	cfg, err := newTestLoader().LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("RECROP_TEST_DOTENV=from-file\nRECROP_TEST_PRESET=from-file\n"), 0o644))

	t.Setenv("RECROP_TEST_PRESET", "from-env")
	t.Setenv("RECROP_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("RECROP_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(envFile, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("RECROP_TEST_DOTENV"))
	assert.Equal(t, "from-env", os.Getenv("RECROP_TEST_PRESET"))
}

func TestLoadDotEnv_DefaultFileMissing(t *testing.T) {
	t.Chdir(t.TempDir())
	assert.NoError(t, LoadDotEnv())
}

func TestGetSetConfigValues(t *testing.T) {
	loader := newTestLoader()
	loader.Set("store.driver", "memory")
	assert.Equal(t, "memory", loader.GetString("store.driver"))
	assert.Equal(t, "memory", loader.Get("store.driver"))
}

func TestGetConfigFileUsed(t *testing.T) {
	path := writeConfig(t, "recrop.yaml", "verbose: true\n")
	loader := newTestLoader()
	_, err := loader.LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, loader.GetConfigFileUsed())
}

func TestGetResolvedConfig(t *testing.T) {
	loader := newTestLoader()
	loader.setDefaults()
	settings := loader.GetResolvedConfig()
	assert.Contains(t, settings, "store")
	assert.Contains(t, settings, "timeouts")
}

func TestGenerateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recrop.yaml")
	require.NoError(t, GenerateDefaultConfigFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "confidence_threshold")
	assert.Contains(t, string(data), "ocr: 1m0s")

	cfg, err := newTestLoader().LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Timeouts, cfg.Timeouts)
}

func TestGenerateDefaultConfigFileWithEmptyFilename(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, GenerateDefaultConfigFile(""))
	assert.FileExists(t, filepath.Join(dir, "recrop.yaml"))
}

func TestGetConfigSearchPaths(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)

	paths := GetConfigSearchPaths()
	assert.Equal(t, ".", paths[0])
	assert.Contains(t, paths, "/etc/recrop")
	assert.Contains(t, paths, filepath.Join(xdg, "recrop"))
}

func TestPrintConfigInfo(t *testing.T) {
	var buf bytes.Buffer
	newTestLoader().PrintConfigInfo(&buf)
	assert.Contains(t, buf.String(), "Environment prefix: RECROP")
}
