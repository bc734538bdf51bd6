package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MeKo-Tech/recrop/internal/pipeline"
	"github.com/MeKo-Tech/recrop/internal/queue"
	"github.com/MeKo-Tech/recrop/internal/receipt"
	"github.com/MeKo-Tech/recrop/internal/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// enqueueCmd hands records to the task queue.
var enqueueCmd = &cobra.Command{
	Use:   "enqueue [manifests...]",
	Short: "Submit records to the task queue",
	Long: `Submit one task per record to the Redis-backed task queue. Records come
from manifests or, without arguments, from the source table rows of
--load-date. Re-submitting a record under the same run id is a no-op.

Examples:
  recrop enqueue records.yaml
  recrop enqueue --load-date 20250301 --run-id nightly-20250301`,
	SilenceUsage: true,
	RunE:         runEnqueueCommand,
}

// workerCmd consumes the task queue.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process records from the task queue",
	Long: `Run a queue worker that processes one record per task through the full
pipeline. The worker stops on SIGINT or SIGTERM after the active tasks
finish.

Examples:
  recrop worker
  recrop worker --concurrency 8 --metrics-addr :9091`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runWorkerCommand,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(workerCmd)

	enqueueCmd.Flags().String("run-id", "", "run id grouping the tasks (default: random)")
	enqueueCmd.Flags().String("load-date", "", "LOAD_DATE (YYYYMMDD) to read from the source table (default: yesterday)")
	enqueueCmd.Flags().BoolP("recursive", "r", false, "search manifest directories recursively")

	workerCmd.Flags().Int("concurrency", 0, "tasks processed in parallel (default from config)")
	workerCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9091)")
}

func runEnqueueCommand(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	logger := slog.Default()
	ctx := cmd.Context()

	bc := cfg.ToBatchConfig()
	bc.Recursive, _ = cmd.Flags().GetBool("recursive")
	loadDate, _ := cmd.Flags().GetString("load-date")

	var st store.Store
	if len(args) == 0 {
		var err error
		if st, err = openStore(ctx, cfg, logger); err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
	}
	records, err := loadInputRecords(ctx, st, args, loadDate, &bc)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No records to enqueue")
		return nil
	}

	runID, _ := cmd.Flags().GetString("run-id")
	if runID == "" {
		runID = uuid.NewString()
	}

	enq := queue.NewEnqueuer(cfg.ToQueueConfig(), logger)
	defer func() { _ = enq.Close() }()

	ids, err := enq.Enqueue(ctx, runID, records)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Run %s: enqueued %d of %d records\n", runID, len(ids), len(records))
	return nil
}

func runWorkerCommand(cmd *cobra.Command, _ []string) error {
	cfg := GetConfig()
	logger := slog.Default()

	s, err := buildStack(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	qc := cfg.ToQueueConfig()
	if cmd.Flags().Changed("concurrency") {
		qc.Concurrency, _ = cmd.Flags().GetInt("concurrency")
	}

	handler := queue.NewHandler(s.orch, s.orch.Recorder(), logger)
	handler.OnOutcome = func(p queue.Payload, outcome pipeline.RecordOutcome) {
		for _, code := range outcome.Codes() {
			if code != receipt.CodeSuccess {
				logger.Warn("Record failed", "run_id", p.RunID, "container_id", p.Record.ContainerID,
					"line_index", p.Record.LineIndex, "code", string(code))
			}
		}
	}

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		metricsServer := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("Serving worker metrics", "addr", addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server error", "error", err)
			}
		}()
		defer func() { _ = metricsServer.Close() }()
	}

	// Run blocks until asynq sees SIGINT or SIGTERM.
	return queue.NewWorker(qc, handler, logger).Run()
}
