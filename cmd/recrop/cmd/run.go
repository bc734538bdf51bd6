package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/MeKo-Tech/recrop/internal/batch"
	"github.com/MeKo-Tech/recrop/internal/config"
	"github.com/MeKo-Tech/recrop/internal/receipt"
	"github.com/MeKo-Tech/recrop/internal/store"
	"github.com/spf13/cobra"
)

// runCmd processes a batch of input records.
var runCmd = &cobra.Command{
	Use:   "run [manifests...]",
	Short: "Process a batch of expense records",
	Long: `Process expense records end to end: download every receipt source, detect
and crop each receipt, analyze the crops and persist one summary row per
receipt. Every failure is persisted as a classified failure row.

Records come from manifest files (JSON, YAML or CSV; directories are
searched for them) or, without arguments, from the source table rows loaded
on --load-date (default: yesterday).

Examples:
  recrop run records.yaml
  recrop run manifests/ --recursive --workers 8
  recrop run --load-date 20250301 --format json --output report.json`,
	SilenceUsage: true,
	RunE:         runBatchCommand,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("load-date", "", "LOAD_DATE (YYYYMMDD) to read from the source table (default: yesterday)")
	runCmd.Flags().IntP("workers", "w", 0, "number of parallel workers (default from config)")
	runCmd.Flags().StringP("format", "f", "", "report format: text, json, csv (default from config)")
	runCmd.Flags().StringP("output", "o", "", "write the report to a file instead of stdout")
	runCmd.Flags().BoolP("recursive", "r", false, "search manifest directories recursively")
	runCmd.Flags().StringSlice("include", nil, "manifest file patterns to include")
	runCmd.Flags().StringSlice("exclude", nil, "manifest file patterns to exclude")
	runCmd.Flags().BoolP("quiet", "q", false, "suppress progress and statistics")
	runCmd.Flags().Bool("no-progress", false, "disable the progress bar")
	runCmd.Flags().Bool("stats", true, "print processing statistics")
}

// configToBatchConfig maps the configuration to batch.Config; changed flags
// override config file values.
func configToBatchConfig(cfg *config.Config, cmd *cobra.Command) *batch.Config {
	bc := cfg.ToBatchConfig()

	if cmd.Flags().Changed("workers") {
		bc.Workers, _ = cmd.Flags().GetInt("workers")
	}
	if cmd.Flags().Changed("format") {
		bc.Format, _ = cmd.Flags().GetString("format")
	}
	if bc.Format == "" {
		bc.Format = batch.FormatText
	}
	bc.OutputFile, _ = cmd.Flags().GetString("output")
	bc.Recursive, _ = cmd.Flags().GetBool("recursive")
	bc.IncludePatterns, _ = cmd.Flags().GetStringSlice("include")
	bc.ExcludePatterns, _ = cmd.Flags().GetStringSlice("exclude")
	bc.Quiet, _ = cmd.Flags().GetBool("quiet")
	bc.ShowStats, _ = cmd.Flags().GetBool("stats")
	if noProgress, _ := cmd.Flags().GetBool("no-progress"); noProgress {
		bc.ShowProgress = false
	}
	bc.ProgressWriter = cmd.ErrOrStderr()
	return &bc
}

func runBatchCommand(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	logger := slog.Default()
	bc := configToBatchConfig(cfg, cmd)
	if bc.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", bc.Workers)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	loadDate, _ := cmd.Flags().GetString("load-date")
	records, err := loadInputRecords(ctx, s.store, args, loadDate, bc)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No records to process")
		return nil
	}

	logger.Info("Starting batch", "records", len(records), "workers", bc.Workers)
	result, runErr := batch.ProcessBatch(ctx, s.runner, records, bc)
	if result == nil {
		return runErr
	}

	if err := result.SaveResults(cmd.OutOrStdout(), bc.Format, bc.OutputFile, bc.Quiet); err != nil {
		return err
	}
	if bc.ShowStats {
		result.PrintStats(cmd.ErrOrStderr(), bc.Quiet)
	}

	logger.Info("Batch finished",
		"records", result.Summary.Records,
		"summaries", result.Summary.Summaries,
		"succeeded", result.Summary.Succeeded,
		"failed", result.Summary.Failed,
		"duration", result.Duration.Round(time.Millisecond))
	return runErr
}

// loadInputRecords reads manifests when given, otherwise the source table
// rows of loadDate (yesterday when empty).
func loadInputRecords(ctx context.Context, st store.Store, args []string, loadDate string, bc *batch.Config) ([]receipt.InputRecord, error) {
	if len(args) > 0 {
		if loadDate != "" {
			return nil, errors.New("--load-date cannot be combined with manifest arguments")
		}
		files, err := batch.DiscoverManifests(args, bc.Recursive, bc.IncludePatterns, bc.ExcludePatterns)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, errors.New("no manifest files found")
		}
		return batch.LoadRecords(files)
	}

	if loadDate == "" {
		loadDate = store.Yesterday(time.Now())
	}
	if err := store.ValidateLoadDate(loadDate); err != nil {
		return nil, err
	}
	records, err := st.SourceRecords(ctx, loadDate)
	if err != nil {
		return nil, fmt.Errorf("failed to read source records for %s: %w", loadDate, err)
	}
	slog.Info("Loaded source records", "load_date", loadDate, "records", len(records))
	return records, nil
}
