package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/MeKo-Tech/recrop/internal/config"
	"github.com/MeKo-Tech/recrop/internal/models"
	"github.com/MeKo-Tech/recrop/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Global configuration loader.
	configLoader *config.Loader
	// Global configuration.
	globalConfig *config.Config
	// Configuration file path.
	cfgFile string
	// Dotenv file read before the configuration.
	envFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "recrop",
	Short: "Receipt detection, cropping and OCR pipeline",
	Long: `recrop takes expense records that reference receipt files, finds every
receipt on each page, crops it, sends each crop to a receipt analysis service
and writes one summary row per receipt (or one classified failure row) to
the result store.

Examples:
  recrop run records.yaml
  recrop run --load-date 20250301
  recrop crop scan.pdf --kind shared --out crops/
  recrop serve --port 8080
  recrop worker`,
	Version:           version.Get().String(),
	SilenceUsage:      true,
	PersistentPreRunE: setupCommand,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// GetRootCommand returns the root command for testing purposes.
// This allows tests to execute commands without calling os.Exit().
func GetRootCommand() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is search in ., $HOME, /etc/recrop, $XDG_CONFIG_HOME/recrop)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", config.DefaultEnvFile, "dotenv file with secrets such as RECROP_OCR_KEY")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output (equivalent to --log-level=debug)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	defaultModelsDir := models.DefaultModelsDir
	if envDir := os.Getenv(models.EnvModelsDir); envDir != "" {
		defaultModelsDir = envDir
	}
	rootCmd.PersistentFlags().String("models-dir", defaultModelsDir,
		"directory containing ONNX models (can also be set via "+models.EnvModelsDir+")")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("models_dir", rootCmd.PersistentFlags().Lookup("models-dir"))
}

// setupCommand loads the configuration and installs the JSON logger.
func setupCommand(cmd *cobra.Command, _ []string) error {
	if err := initConfig(); err != nil {
		return err
	}
	slog.SetDefault(newLogger(cmd.ErrOrStderr(), globalConfig))
	return nil
}

// newLogger builds the structured logger for cfg. Verbose wins over the
// configured level.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch {
	case cfg.Verbose:
		level = slog.LevelDebug
	case cfg.LogLevel == "debug":
		level = slog.LevelDebug
	case cfg.LogLevel == "warn":
		level = slog.LevelWarn
	case cfg.LogLevel == "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// initConfig reads the dotenv file, the config file and RECROP_ variables.
func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	configLoader = config.NewLoader()
	cfg, err := configLoader.LoadWithFile(cfgFile)
	if err != nil {
		return fmt.Errorf("error loading configuration: %w", err)
	}
	globalConfig = cfg
	return nil
}

// GetConfig returns the global configuration.
func GetConfig() *config.Config {
	if globalConfig == nil {
		if err := initConfig(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	return globalConfig
}

// GetConfigLoader returns the global configuration loader.
func GetConfigLoader() *config.Loader {
	if configLoader == nil {
		configLoader = config.NewLoader()
	}
	return configLoader
}
