package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MeKo-Tech/recrop/internal/queue"
	"github.com/MeKo-Tech/recrop/internal/server"
	"github.com/spf13/cobra"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP run API",
	Long: `Start an HTTP server that accepts batches of expense records and reports
their progress.

The server provides the following endpoints:
  POST   /runs       - Submit a manifest (JSON, YAML or CSV body)
  GET    /runs       - List runs
  GET    /runs/{id}  - Run status (?detail=true adds per-record outcomes)
  DELETE /runs/{id}  - Cancel a running run
  GET    /ws/runs    - Websocket progress stream (?run=<id>)
  GET    /metrics    - Prometheus metrics
  GET    /health     - Health check

Examples:
  recrop serve
  recrop serve --port 8080
  recrop serve --host 0.0.0.0 --queue`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runServeCommand,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("host", "H", "localhost", "server host")
	serveCmd.Flags().IntP("port", "p", 8080, "server port")
	serveCmd.Flags().String("cors-origin", "*", "CORS allowed origins")
	serveCmd.Flags().Int("shutdown-timeout", 10, "shutdown timeout in seconds")
	serveCmd.Flags().Bool("queue", false, "accept ?mode=queue submissions through the task queue")
	// Rate limiting flags
	serveCmd.Flags().Int("runs-per-minute", 0, "maximum run submissions per minute per client (0 = unlimited)")
	serveCmd.Flags().Int("runs-per-hour", 0, "maximum run submissions per hour per client (0 = unlimited)")
	serveCmd.Flags().Int("records-per-day", 0, "maximum records submitted per day per client (0 = unlimited)")
}

// serverConfigFromFlags applies changed flags on top of the configuration.
func serverConfigFromFlags(cmd *cobra.Command) server.Config {
	sc := GetConfig().ToServerConfig()

	if cmd.Flags().Changed("host") {
		sc.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		sc.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("cors-origin") {
		sc.CORSOrigin, _ = cmd.Flags().GetString("cors-origin")
	}
	if cmd.Flags().Changed("shutdown-timeout") {
		sc.ShutdownTimeout, _ = cmd.Flags().GetInt("shutdown-timeout")
	}
	if cmd.Flags().Changed("runs-per-minute") {
		sc.RateLimit.RunsPerMinute, _ = cmd.Flags().GetInt("runs-per-minute")
	}
	if cmd.Flags().Changed("runs-per-hour") {
		sc.RateLimit.RunsPerHour, _ = cmd.Flags().GetInt("runs-per-hour")
	}
	if cmd.Flags().Changed("records-per-day") {
		sc.RateLimit.RecordsPerDay, _ = cmd.Flags().GetInt("records-per-day")
	}
	return sc
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	cfg := GetConfig()
	logger := slog.Default()
	sc := serverConfigFromFlags(cmd)

	if sc.Port < 1 || sc.Port > 65535 {
		return fmt.Errorf("invalid port number: %d (must be between 1 and 65535)", sc.Port)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	s, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	deps := server.Deps{Runner: s.runner, Registry: s.registry, Logger: logger}
	if useQueue, _ := cmd.Flags().GetBool("queue"); useQueue {
		enq := queue.NewEnqueuer(cfg.ToQueueConfig(), logger)
		defer func() { _ = enq.Close() }()
		deps.Enqueuer = enq
	}

	runServer, err := server.NewServer(sc, deps)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	mux := http.NewServeMux()
	runServer.SetupRoutes(mux)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", sc.Host, sc.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Starting run server", "host", sc.Host, "port", sc.Port, "queue", deps.Enqueuer != nil)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled, initiating shutdown")
	}

	logger.Info("Starting graceful shutdown", "timeout", fmt.Sprintf("%ds", sc.ShutdownTimeout))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(sc.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	// Stop accepting requests before cancelling the runs still in flight.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Cancelled records are still recorded as failures before Close returns.
	if err := runServer.Close(); err != nil {
		logger.Error("Server cleanup error", "error", err)
	}

	logger.Info("Graceful shutdown completed")
	return nil
}
