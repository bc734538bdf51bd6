package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the base name for configuration files (without extension).
	ConfigFileName = "recrop"

	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "RECROP"

	// DefaultEnvFile is the dotenv file read before the environment is consulted.
	DefaultEnvFile = ".env"
)

// Loader handles loading configuration from various sources.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	// Use the global viper instance to ensure flag bindings work
	return &Loader{v: viper.GetViper()}
}

// NewLoaderWithViper creates a loader backed by v.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v}
}

// Load loads configuration from files, environment variables, and sets defaults.
// It returns the loaded configuration and any error encountered.
func (l *Loader) Load() (*Config, error) {
	return l.load("", true)
}

// LoadWithoutValidation is Load without the validation step.
func (l *Loader) LoadWithoutValidation() (*Config, error) {
	return l.load("", false)
}

// LoadWithFile loads configuration from a specific file path. An empty path
// falls back to the search paths.
func (l *Loader) LoadWithFile(configFile string) (*Config, error) {
	return l.load(configFile, true)
}

// LoadWithFileWithoutValidation is LoadWithFile without the validation step.
func (l *Loader) LoadWithFileWithoutValidation(configFile string) (*Config, error) {
	return l.load(configFile, false)
}

func (l *Loader) load(configFile string, validate bool) (*Config, error) {
	if configFile != "" {
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", configFile)
		}
		l.v.SetConfigFile(configFile)
	} else {
		l.v.SetConfigName(ConfigFileName)
		l.v.SetConfigType("yaml")
		l.addConfigPaths()
	}

	l.setupEnvironmentVariables()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
		// No config file in the search paths: defaults and env vars apply.
	}

	var config Config
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if validate {
		if err := config.Validate(); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}
	return &config, nil
}

// LoadDotEnv loads KEY=value pairs from the given dotenv files into the
// process environment. Variables already set win, and missing files are
// skipped. With no arguments DefaultEnvFile is read.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{DefaultEnvFile}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("error loading %s: %w", f, err)
		}
	}
	return nil
}

// Get returns a value from the configuration.
func (l *Loader) Get(key string) any {
	return l.v.Get(key)
}

// GetString returns a string value from the configuration.
func (l *Loader) GetString(key string) string {
	return l.v.GetString(key)
}

// Set sets a value in the configuration.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

// GetConfigFileUsed returns the path of the config file used.
func (l *Loader) GetConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// GetViper returns the underlying viper instance for advanced usage.
func (l *Loader) GetViper() *viper.Viper {
	return l.v
}

// addConfigPaths adds the standard configuration search paths.
func (l *Loader) addConfigPaths() {
	for _, p := range GetConfigSearchPaths() {
		l.v.AddConfigPath(p)
	}
}

// setupEnvironmentVariables configures environment variable handling, so
// that store.dsn is read from RECROP_STORE_DSN.
func (l *Loader) setupEnvironmentVariables() {
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.AutomaticEnv()
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

// setDefaults sets default values for all configuration options. Every key
// needs a default, otherwise AutomaticEnv never sees it during Unmarshal.
func (l *Loader) setDefaults() {
	d := DefaultConfig()

	// Global settings
	l.v.SetDefault("models_dir", d.ModelsDir)
	l.v.SetDefault("log_level", d.LogLevel)
	l.v.SetDefault("verbose", d.Verbose)

	l.v.SetDefault("detector.model_path", d.Detector.ModelPath)
	l.v.SetDefault("detector.small", d.Detector.Small)
	l.v.SetDefault("detector.library_path", d.Detector.LibraryPath)
	l.v.SetDefault("detector.input_size", d.Detector.InputSize)
	l.v.SetDefault("detector.confidence_threshold", d.Detector.ConfidenceThreshold)
	l.v.SetDefault("detector.iou_threshold", d.Detector.IoUThreshold)
	l.v.SetDefault("detector.max_detections", d.Detector.MaxDetections)
	l.v.SetDefault("detector.num_threads", d.Detector.NumThreads)

	l.v.SetDefault("gpu.enabled", d.GPU.Enabled)
	l.v.SetDefault("gpu.device", d.GPU.Device)
	l.v.SetDefault("gpu.memory_limit", d.GPU.MemoryLimit)

	l.v.SetDefault("workspace.root", d.Workspace.Root)
	l.v.SetDefault("workspace.dated", d.Workspace.Dated)

	// Durations are kept as strings so generated files stay readable.
	l.v.SetDefault("fetch.timeout", d.Fetch.Timeout.String())
	l.v.SetDefault("fetch.retries", d.Fetch.Retries)
	l.v.SetDefault("fetch.backoff", d.Fetch.Backoff.String())
	l.v.SetDefault("fetch.user_agent", d.Fetch.UserAgent)
	l.v.SetDefault("fetch.max_mb", d.Fetch.MaxMB)

	l.v.SetDefault("convert.pdf_backend", d.Convert.PDFBackend)
	l.v.SetDefault("convert.pdf_dpi", d.Convert.PDFDPI)

	l.v.SetDefault("ocr.endpoint", d.OCR.Endpoint)
	l.v.SetDefault("ocr.key", d.OCR.Key)
	l.v.SetDefault("ocr.api_version", d.OCR.APIVersion)
	l.v.SetDefault("ocr.model_id", d.OCR.ModelID)
	l.v.SetDefault("ocr.poll_interval", d.OCR.PollInterval.String())
	l.v.SetDefault("ocr.max_polls", d.OCR.MaxPolls)
	l.v.SetDefault("ocr.retries", d.OCR.Retries)

	l.v.SetDefault("extract.merchant_lookup", d.Extract.MerchantLookup)

	l.v.SetDefault("store.driver", d.Store.Driver)
	l.v.SetDefault("store.dsn", d.Store.DSN)
	l.v.SetDefault("store.bolt_path", d.Store.BoltPath)
	l.v.SetDefault("store.max_open_conns", d.Store.MaxOpenConns)
	l.v.SetDefault("store.max_idle_conns", d.Store.MaxIdleConns)
	l.v.SetDefault("store.conn_max_lifetime", d.Store.ConnMaxLifetime.String())

	l.v.SetDefault("batch.workers", d.Batch.Workers)
	l.v.SetDefault("batch.format", d.Batch.Format)
	l.v.SetDefault("batch.progress", d.Batch.Progress)

	l.v.SetDefault("timeouts.download", d.Timeouts.Download.String())
	l.v.SetDefault("timeouts.detect", d.Timeouts.Detect.String())
	l.v.SetDefault("timeouts.ocr", d.Timeouts.OCR.String())
	l.v.SetDefault("timeouts.persist", d.Timeouts.Persist.String())

	l.v.SetDefault("server.host", d.Server.Host)
	l.v.SetDefault("server.port", d.Server.Port)
	l.v.SetDefault("server.cors_origin", d.Server.CORSOrigin)
	l.v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	l.v.SetDefault("server.max_body_mb", d.Server.MaxBodyMB)
	l.v.SetDefault("server.runs_per_minute", d.Server.RunsPerMinute)
	l.v.SetDefault("server.runs_per_hour", d.Server.RunsPerHour)
	l.v.SetDefault("server.records_per_day", d.Server.RecordsPerDay)

	l.v.SetDefault("queue.redis_addr", d.Queue.RedisAddr)
	l.v.SetDefault("queue.redis_password", d.Queue.RedisPassword)
	l.v.SetDefault("queue.redis_db", d.Queue.RedisDB)
	l.v.SetDefault("queue.queue_name", d.Queue.Name)
	l.v.SetDefault("queue.concurrency", d.Queue.Concurrency)
	l.v.SetDefault("queue.max_retry", d.Queue.MaxRetry)
	l.v.SetDefault("queue.task_timeout", d.Queue.TaskTimeout.String())
}

// GetResolvedConfig returns the current resolved configuration for debugging.
func (l *Loader) GetResolvedConfig() map[string]any {
	return l.v.AllSettings()
}

// WriteConfigToFile writes the current configuration to a file.
func (l *Loader) WriteConfigToFile(filename string) error {
	return l.v.WriteConfigAs(filename)
}

// GenerateDefaultConfigFile writes a configuration file holding only the
// defaults. An empty filename writes recrop.yaml.
func GenerateDefaultConfigFile(filename string) error {
	loader := NewLoaderWithViper(viper.New())
	loader.setDefaults()

	if filename == "" {
		filename = ConfigFileName + ".yaml"
	}
	return loader.WriteConfigToFile(filename)
}

// GetConfigSearchPaths returns the paths where configuration files are searched.
func GetConfigSearchPaths() []string {
	paths := []string{"."}

	home, homeErr := os.UserHomeDir()
	if homeErr == nil {
		paths = append(paths, home)
	}

	paths = append(paths, filepath.Join("/etc", ConfigFileName))

	if configDir, exists := os.LookupEnv("XDG_CONFIG_HOME"); exists {
		paths = append(paths, filepath.Join(configDir, ConfigFileName))
	} else if homeErr == nil {
		paths = append(paths, filepath.Join(home, ".config", ConfigFileName))
	}
	return paths
}

// PrintConfigInfo prints information about configuration loading for debugging.
func (l *Loader) PrintConfigInfo(w io.Writer) {
	_, _ = fmt.Fprintf(w, "Configuration file used: %s\n", l.GetConfigFileUsed())
	_, _ = fmt.Fprintf(w, "Configuration search paths: %v\n", GetConfigSearchPaths())
	_, _ = fmt.Fprintf(w, "Environment prefix: %s\n", EnvPrefix)
}
