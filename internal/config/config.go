// Package config defines the recrop configuration file, its defaults and
// validation, and converts it into the configs of the individual packages.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/MeKo-Tech/recrop/internal/batch"
	"github.com/MeKo-Tech/recrop/internal/convert"
	"github.com/MeKo-Tech/recrop/internal/detector"
	"github.com/MeKo-Tech/recrop/internal/extract"
	"github.com/MeKo-Tech/recrop/internal/fetch"
	"github.com/MeKo-Tech/recrop/internal/models"
	"github.com/MeKo-Tech/recrop/internal/ocr"
	"github.com/MeKo-Tech/recrop/internal/onnx"
	"github.com/MeKo-Tech/recrop/internal/pdf"
	"github.com/MeKo-Tech/recrop/internal/pipeline"
	"github.com/MeKo-Tech/recrop/internal/queue"
	"github.com/MeKo-Tech/recrop/internal/server"
	"github.com/MeKo-Tech/recrop/internal/store"
)

// ErrOCRNotConfigured is returned by ValidateOCR when credentials are missing.
var ErrOCRNotConfigured = errors.New("ocr endpoint and key must be set (ocr.endpoint, ocr.key or RECROP_OCR_ENDPOINT, RECROP_OCR_KEY)")

// Config represents the complete configuration of recrop. It is loaded from
// a configuration file, environment variables and command-line flags.
type Config struct {
	// Global settings
	ModelsDir string `mapstructure:"models_dir" yaml:"models_dir" json:"models_dir"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose   bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	Detector  DetectorConfig  `mapstructure:"detector" yaml:"detector" json:"detector"`
	GPU       GPUConfig       `mapstructure:"gpu" yaml:"gpu" json:"gpu"`
	Workspace WorkspaceConfig `mapstructure:"workspace" yaml:"workspace" json:"workspace"`
	Fetch     FetchConfig     `mapstructure:"fetch" yaml:"fetch" json:"fetch"`
	Convert   ConvertConfig   `mapstructure:"convert" yaml:"convert" json:"convert"`
	OCR       OCRConfig       `mapstructure:"ocr" yaml:"ocr" json:"ocr"`
	Extract   ExtractConfig   `mapstructure:"extract" yaml:"extract" json:"extract"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store" json:"store"`
	Batch     BatchConfig     `mapstructure:"batch" yaml:"batch" json:"batch"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts" yaml:"timeouts" json:"timeouts"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server" json:"server"`
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue" json:"queue"`
}

// DetectorConfig contains receipt boundary detection settings.
type DetectorConfig struct {
	ModelPath           string  `mapstructure:"model_path" yaml:"model_path" json:"model_path"`
	Small               bool    `mapstructure:"small" yaml:"small" json:"small"`
	LibraryPath         string  `mapstructure:"library_path" yaml:"library_path" json:"library_path"`
	InputSize           int     `mapstructure:"input_size" yaml:"input_size" json:"input_size"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" yaml:"confidence_threshold" json:"confidence_threshold"`
	IoUThreshold        float64 `mapstructure:"iou_threshold" yaml:"iou_threshold" json:"iou_threshold"`
	MaxDetections       int     `mapstructure:"max_detections" yaml:"max_detections" json:"max_detections"`
	NumThreads          int     `mapstructure:"num_threads" yaml:"num_threads" json:"num_threads"`
}

// GPUConfig contains GPU acceleration settings.
type GPUConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Device      int    `mapstructure:"device" yaml:"device" json:"device"`
	MemoryLimit string `mapstructure:"memory_limit" yaml:"memory_limit" json:"memory_limit"`
}

// WorkspaceConfig locates the per-run directory tree.
type WorkspaceConfig struct {
	Root  string `mapstructure:"root" yaml:"root" json:"root"`
	Dated bool   `mapstructure:"dated" yaml:"dated" json:"dated"`
}

// FetchConfig contains download settings.
type FetchConfig struct {
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	Retries   int           `mapstructure:"retries" yaml:"retries" json:"retries"`
	Backoff   time.Duration `mapstructure:"backoff" yaml:"backoff" json:"backoff"`
	UserAgent string        `mapstructure:"user_agent" yaml:"user_agent" json:"user_agent"`
	MaxMB     int64         `mapstructure:"max_mb" yaml:"max_mb" json:"max_mb"`
}

// ConvertConfig contains rasterization settings.
type ConvertConfig struct {
	PDFBackend string  `mapstructure:"pdf_backend" yaml:"pdf_backend" json:"pdf_backend"`
	PDFDPI     float64 `mapstructure:"pdf_dpi" yaml:"pdf_dpi" json:"pdf_dpi"`
}

// OCRConfig contains the receipt analysis service settings.
type OCRConfig struct {
	Endpoint     string        `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	Key          string        `mapstructure:"key" yaml:"key" json:"-"`
	APIVersion   string        `mapstructure:"api_version" yaml:"api_version" json:"api_version"`
	ModelID      string        `mapstructure:"model_id" yaml:"model_id" json:"model_id"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval"`
	MaxPolls     int           `mapstructure:"max_polls" yaml:"max_polls" json:"max_polls"`
	Retries      int           `mapstructure:"retries" yaml:"retries" json:"retries"`
}

// ExtractConfig contains field extraction settings.
type ExtractConfig struct {
	// MerchantLookup is an optional CSV file with original_name and
	// normalized_name columns.
	MerchantLookup string `mapstructure:"merchant_lookup" yaml:"merchant_lookup" json:"merchant_lookup"`
}

// StoreConfig selects and tunes the summary store.
type StoreConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver" json:"driver"`
	DSN             string        `mapstructure:"dsn" yaml:"dsn" json:"-"`
	BoltPath        string        `mapstructure:"bolt_path" yaml:"bolt_path" json:"bolt_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// BatchConfig contains batch processing settings.
type BatchConfig struct {
	Workers  int    `mapstructure:"workers" yaml:"workers" json:"workers"`
	Format   string `mapstructure:"format" yaml:"format" json:"format"`
	Progress bool   `mapstructure:"progress" yaml:"progress" json:"progress"`
}

// TimeoutsConfig bounds the blocking pipeline stages. Zero disables a bound.
type TimeoutsConfig struct {
	Download time.Duration `mapstructure:"download" yaml:"download" json:"download"`
	Detect   time.Duration `mapstructure:"detect" yaml:"detect" json:"detect"`
	OCR      time.Duration `mapstructure:"ocr" yaml:"ocr" json:"ocr"`
	Persist  time.Duration `mapstructure:"persist" yaml:"persist" json:"persist"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string `mapstructure:"host" yaml:"host" json:"host"`
	Port            int    `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin      string `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodyMB       int64  `mapstructure:"max_body_mb" yaml:"max_body_mb" json:"max_body_mb"`
	RunsPerMinute   int    `mapstructure:"runs_per_minute" yaml:"runs_per_minute" json:"runs_per_minute"`
	RunsPerHour     int    `mapstructure:"runs_per_hour" yaml:"runs_per_hour" json:"runs_per_hour"`
	RecordsPerDay   int    `mapstructure:"records_per_day" yaml:"records_per_day" json:"records_per_day"`
}

// QueueConfig contains task queue settings.
type QueueConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr" yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password" yaml:"redis_password" json:"-"`
	RedisDB       int           `mapstructure:"redis_db" yaml:"redis_db" json:"redis_db"`
	Name          string        `mapstructure:"queue_name" yaml:"queue_name" json:"queue_name"`
	Concurrency   int           `mapstructure:"concurrency" yaml:"concurrency" json:"concurrency"`
	MaxRetry      int           `mapstructure:"max_retry" yaml:"max_retry" json:"max_retry"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout" yaml:"task_timeout" json:"task_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	det := detector.DefaultConfig()
	fc := fetch.DefaultConfig()
	oc := ocr.DefaultConfig()
	sc := store.DefaultConfig()
	tc := pipeline.DefaultTimeouts()
	srv := server.DefaultConfig()
	qc := queue.DefaultConfig()

	return Config{
		ModelsDir: models.DefaultModelsDir,
		LogLevel:  "info",
		Verbose:   false,
		Detector: DetectorConfig{
			InputSize:           det.InputSize,
			ConfidenceThreshold: det.ConfidenceThreshold,
			IoUThreshold:        det.IoUThreshold,
			MaxDetections:       det.MaxDetections,
			NumThreads:          det.NumThreads,
		},
		GPU: GPUConfig{
			Enabled:     false,
			Device:      0,
			MemoryLimit: "auto",
		},
		Workspace: WorkspaceConfig{
			Root:  "workspace",
			Dated: true,
		},
		Fetch: FetchConfig{
			Timeout:   fc.Timeout,
			Retries:   fc.Retries,
			Backoff:   fc.Backoff,
			UserAgent: fc.UserAgent,
			MaxMB:     fc.MaxBytes >> 20,
		},
		Convert: ConvertConfig{
			PDFBackend: pdf.BackendRender,
			PDFDPI:     pdf.DefaultDPI,
		},
		OCR: OCRConfig{
			APIVersion:   oc.APIVersion,
			ModelID:      oc.ModelID,
			PollInterval: oc.PollInterval,
			MaxPolls:     oc.MaxPolls,
			Retries:      oc.Retries,
		},
		Store: StoreConfig{
			Driver:          sc.Driver,
			DSN:             sc.DSN,
			BoltPath:        sc.BoltPath,
			MaxOpenConns:    sc.MaxOpenConns,
			MaxIdleConns:    sc.MaxIdleConns,
			ConnMaxLifetime: sc.ConnMaxLifetime,
		},
		Batch: BatchConfig{
			Workers:  pipeline.DefaultWorkers,
			Format:   batch.FormatText,
			Progress: true,
		},
		Timeouts: TimeoutsConfig{
			Download: tc.Download,
			Detect:   tc.Detect,
			OCR:      tc.OCR,
			Persist:  tc.Persist,
		},
		Server: ServerConfig{
			Host:            srv.Host,
			Port:            srv.Port,
			CORSOrigin:      srv.CORSOrigin,
			ShutdownTimeout: srv.ShutdownTimeout,
			MaxBodyMB:       srv.MaxBodyMB,
		},
		Queue: QueueConfig{
			RedisAddr:   qc.RedisAddr,
			RedisDB:     qc.RedisDB,
			Name:        qc.Queue,
			Concurrency: qc.Concurrency,
			MaxRetry:    qc.MaxRetry,
			TaskTimeout: qc.TaskTimeout,
		},
	}
}

// Validate validates the configuration and returns the first error found.
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	validFormats := []string{batch.FormatText, batch.FormatJSON, batch.FormatCSV}
	if c.Batch.Format != "" && !slices.Contains(validFormats, c.Batch.Format) {
		return fmt.Errorf("invalid batch format: %s (must be one of: %s)", c.Batch.Format, strings.Join(validFormats, ", "))
	}

	if err := validateThreshold(c.Detector.ConfidenceThreshold, "detector.confidence_threshold"); err != nil {
		return err
	}
	if err := validateThreshold(c.Detector.IoUThreshold, "detector.iou_threshold"); err != nil {
		return err
	}
	if c.Detector.InputSize <= 0 || c.Detector.InputSize%32 != 0 {
		return fmt.Errorf("invalid detector input size: %d (must be a positive multiple of 32)", c.Detector.InputSize)
	}
	if c.GPU.MemoryLimit != "auto" && c.GPU.MemoryLimit != "" {
		if _, err := parseMemoryLimit(c.GPU.MemoryLimit); err != nil {
			return fmt.Errorf("invalid GPU memory limit: %w", err)
		}
	}

	if c.Workspace.Root == "" {
		return errors.New("workspace.root must be set")
	}
	if c.Fetch.Retries < 0 {
		return fmt.Errorf("invalid fetch retries: %d (must not be negative)", c.Fetch.Retries)
	}
	validBackends := []string{pdf.BackendRender, pdf.BackendImages}
	if !slices.Contains(validBackends, c.Convert.PDFBackend) {
		return fmt.Errorf("invalid pdf backend: %s (must be one of: %s)", c.Convert.PDFBackend, strings.Join(validBackends, ", "))
	}
	if c.Convert.PDFDPI <= 0 {
		return fmt.Errorf("invalid pdf dpi: %.0f (must be positive)", c.Convert.PDFDPI)
	}

	if err := c.validateStore(); err != nil {
		return err
	}

	if c.Batch.Workers <= 0 {
		return fmt.Errorf("invalid batch workers: %d (must be positive)", c.Batch.Workers)
	}
	for name, d := range map[string]time.Duration{
		"download": c.Timeouts.Download,
		"detect":   c.Timeouts.Detect,
		"ocr":      c.Timeouts.OCR,
		"persist":  c.Timeouts.Persist,
	} {
		if d < 0 {
			return fmt.Errorf("invalid timeouts.%s: %s (must not be negative)", name, d)
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Server.Port)
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("invalid queue concurrency: %d (must be positive)", c.Queue.Concurrency)
	}

	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case store.DriverPostgres, store.DriverSQLite:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for driver %s", c.Store.Driver)
		}
	case store.DriverBolt:
		if c.Store.BoltPath == "" {
			return errors.New("store.bolt_path must be set for driver bolt")
		}
	case store.DriverMemory:
	default:
		return fmt.Errorf("invalid store driver: %s (must be one of: %s, %s, %s, %s)", c.Store.Driver,
			store.DriverPostgres, store.DriverSQLite, store.DriverBolt, store.DriverMemory)
	}
	return nil
}

// ValidateOCR checks the settings needed to call the analysis service.
// Commands that never analyze receipts skip it.
func (c *Config) ValidateOCR() error {
	if c.OCR.Endpoint == "" || c.OCR.Key == "" {
		return ErrOCRNotConfigured
	}
	return nil
}

// ToDetectorConfig converts the config to the detector configuration.
func (c *Config) ToDetectorConfig() (detector.Config, error) {
	cfg := detector.DefaultConfig()
	cfg.ModelPath = c.Detector.ModelPath
	if cfg.ModelPath == "" {
		cfg.ModelPath = models.GetDetectorModelPath(c.ModelsDir, c.Detector.Small)
	}
	cfg.LibraryPath = c.Detector.LibraryPath
	cfg.InputSize = c.Detector.InputSize
	cfg.ConfidenceThreshold = c.Detector.ConfidenceThreshold
	cfg.IoUThreshold = c.Detector.IoUThreshold
	cfg.MaxDetections = c.Detector.MaxDetections
	cfg.NumThreads = c.Detector.NumThreads

	gpu := onnx.DefaultGPUConfig()
	gpu.UseGPU = c.GPU.Enabled
	gpu.DeviceID = c.GPU.Device
	limit, err := parseMemoryLimit(c.GPU.MemoryLimit)
	if err != nil {
		return detector.Config{}, fmt.Errorf("invalid GPU memory limit: %w", err)
	}
	gpu.GPUMemLimit = limit
	cfg.GPU = gpu
	return cfg, nil
}

// ToFetchConfig converts the config to the downloader configuration.
func (c *Config) ToFetchConfig() fetch.Config {
	return fetch.Config{
		Timeout:   c.Fetch.Timeout,
		Retries:   c.Fetch.Retries,
		Backoff:   c.Fetch.Backoff,
		UserAgent: c.Fetch.UserAgent,
		MaxBytes:  c.Fetch.MaxMB << 20,
	}
}

// ToConvertConfig converts the config to the rasterizer configuration.
// Composite pages of multi-page documents are saved to mergeDir.
func (c *Config) ToConvertConfig(mergeDir string) convert.Config {
	return convert.Config{
		PDFBackend: c.Convert.PDFBackend,
		PDFDPI:     c.Convert.PDFDPI,
		MergeDir:   mergeDir,
	}
}

// ToExtractOptions loads the merchant lookup when one is configured.
func (c *Config) ToExtractOptions() ([]extract.Option, error) {
	if c.Extract.MerchantLookup == "" {
		return nil, nil
	}
	lookup, err := extract.LoadMerchantLookup(c.Extract.MerchantLookup)
	if err != nil {
		return nil, err
	}
	return []extract.Option{extract.WithMerchantLookup(lookup)}, nil
}

// ToOCRConfig converts the config to the analysis client configuration.
func (c *Config) ToOCRConfig() ocr.Config {
	return ocr.Config{
		Endpoint:     c.OCR.Endpoint,
		Key:          c.OCR.Key,
		APIVersion:   c.OCR.APIVersion,
		ModelID:      c.OCR.ModelID,
		PollInterval: c.OCR.PollInterval,
		MaxPolls:     c.OCR.MaxPolls,
		Retries:      c.OCR.Retries,
	}
}

// ToStoreConfig converts the config to the store configuration.
func (c *Config) ToStoreConfig() store.Config {
	return store.Config{
		Driver:          c.Store.Driver,
		DSN:             c.Store.DSN,
		BoltPath:        c.Store.BoltPath,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime,
	}
}

// ToTimeouts converts the config to the stage timeouts.
func (c *Config) ToTimeouts() pipeline.Timeouts {
	return pipeline.Timeouts{
		Download: c.Timeouts.Download,
		Detect:   c.Timeouts.Detect,
		OCR:      c.Timeouts.OCR,
		Persist:  c.Timeouts.Persist,
	}
}

// ToWorkspace lays out the workspace for a run started at now.
func (c *Config) ToWorkspace(now time.Time) pipeline.Workspace {
	return pipeline.NewWorkspace(c.Workspace.Root, c.Workspace.Dated, now)
}

// ToBatchConfig converts the config to the batch command configuration.
func (c *Config) ToBatchConfig() batch.Config {
	return batch.Config{
		Workers:      c.Batch.Workers,
		Format:       c.Batch.Format,
		ShowProgress: c.Batch.Progress,
	}
}

// ToServerConfig converts the config to the HTTP server configuration.
func (c *Config) ToServerConfig() server.Config {
	return server.Config{
		Host:            c.Server.Host,
		Port:            c.Server.Port,
		CORSOrigin:      c.Server.CORSOrigin,
		ShutdownTimeout: c.Server.ShutdownTimeout,
		Workers:         c.Batch.Workers,
		MaxBodyMB:       c.Server.MaxBodyMB,
		RateLimit: server.RateLimitConfig{
			RunsPerMinute: c.Server.RunsPerMinute,
			RunsPerHour:   c.Server.RunsPerHour,
			RecordsPerDay: c.Server.RecordsPerDay,
		},
	}
}

// ToQueueConfig converts the config to the task queue configuration.
func (c *Config) ToQueueConfig() queue.Config {
	return queue.Config{
		RedisAddr:     c.Queue.RedisAddr,
		RedisPassword: c.Queue.RedisPassword,
		RedisDB:       c.Queue.RedisDB,
		Queue:         c.Queue.Name,
		Concurrency:   c.Queue.Concurrency,
		MaxRetry:      c.Queue.MaxRetry,
		TaskTimeout:   c.Queue.TaskTimeout,
	}
}

// validateThreshold validates that a value is between 0.0 and 1.0.
func validateThreshold(value float64, name string) error {
	if value < 0.0 || value > 1.0 {
		return fmt.Errorf("invalid %s: %.2f (must be between 0.0 and 1.0)", name, value)
	}
	return nil
}

// parseMemoryLimit parses a GPU memory limit such as "1GB" or "512MB" into
// bytes. "auto" and "" mean unlimited (0).
func parseMemoryLimit(limit string) (uint64, error) {
	if limit == "" || limit == "auto" {
		return 0, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(limit))
	// Longest suffix first so "MB" is not read as "B".
	units := []struct {
		suffix string
		scale  float64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}
	for _, u := range units {
		if !strings.HasSuffix(upper, u.suffix) {
			continue
		}
		n, err := strconv.ParseFloat(strings.TrimSuffix(upper, u.suffix), 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid number in memory limit: %s", limit)
		}
		return uint64(n * u.scale), nil
	}
	return 0, errors.New("memory limit must end with one of: B, KB, MB, GB")
}
