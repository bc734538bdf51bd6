package cmd

import (
	"fmt"

	"github.com/MeKo-Tech/recrop/internal/config"
	"github.com/MeKo-Tech/recrop/internal/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and generate configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration as YAML",
	Long: `Print the configuration after merging defaults, the config file, the
dotenv file, RECROP_ environment variables and flags. Secrets are redacted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := redact(*GetConfig())
		out, err := yaml.Marshal(&cfg)
		if err != nil {
			return fmt.Errorf("failed to encode configuration: %w", err)
		}
		GetConfigLoader().PrintConfigInfo(cmd.ErrOrStderr())
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [file]",
	Short: "Write a configuration file with every default",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filename := config.ConfigFileName + ".yaml"
		if len(args) == 1 {
			filename = args[0]
		}
		if err := config.GenerateDefaultConfigFile(filename); err != nil {
			return fmt.Errorf("failed to write %s: %w", filename, err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", filename)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

// redact blanks out credentials before the config is printed.
func redact(cfg config.Config) config.Config {
	if cfg.OCR.Key != "" {
		cfg.OCR.Key = redacted
	}
	if cfg.Store.DSN != "" && cfg.Store.Driver == store.DriverPostgres {
		cfg.Store.DSN = redacted
	}
	if cfg.Queue.RedisPassword != "" {
		cfg.Queue.RedisPassword = redacted
	}
	return cfg
}
