package server

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/MeKo-Tech/recrop/internal/batch"
	"github.com/MeKo-Tech/recrop/internal/pipeline"
	"github.com/MeKo-Tech/recrop/internal/receipt"
	"github.com/MeKo-Tech/recrop/internal/version"
	"github.com/google/uuid"
)

// healthHandler returns server health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: version.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Queue:   s.enqueuer != nil,
		Active:  s.runs.active(),
	})
}

// runsHandler lists runs (GET) or submits a new one (POST).
func (s *Server) runsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		runs := s.runs.list()
		views := make([]RunView, len(runs))
		for i, run := range runs {
			views[i] = run.view(false)
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"runs": views, "count": len(views)})
	case http.MethodPost:
		s.submitRun(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// runHandler reports (GET) or cancels (DELETE) one run.
func (s *Server) runHandler(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runs.get(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "not_found", "unknown run id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, run.view(r.URL.Query().Get("detail") == "true"))
	case http.MethodDelete:
		if run.currentStatus() != RunRunning || run.cancel == nil {
			s.writeError(w, http.StatusConflict, "not_running", "run is "+string(run.currentStatus()))
			return
		}
		run.cancel()
		s.logger.Info("Run cancellation requested", "run_id", run.id)
		s.writeJSON(w, http.StatusAccepted, run.view(false))
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// submitRun parses a manifest body and starts or enqueues the run. The
// body format follows the Content-Type: JSON (default), YAML or CSV.
func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyMB<<20)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	records, err := batch.DecodeManifest(data, manifestFormat(r.Header.Get("Content-Type")))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_manifest", err.Error())
		return
	}
	if len(records) == 0 {
		s.writeError(w, http.StatusBadRequest, "invalid_manifest", batch.ErrNoRecords.Error())
		return
	}

	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = ModeLocal
	}
	workers := s.workers
	if v := r.URL.Query().Get("workers"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "workers must be a positive integer")
			return
		}
		workers = n
	}

	switch mode {
	case ModeLocal, ModeQueue:
	default:
		s.writeError(w, http.StatusBadRequest, "invalid_request", "mode must be local or queue")
		return
	}
	if mode == ModeQueue && s.enqueuer == nil {
		s.writeError(w, http.StatusServiceUnavailable, "queue_disabled", "no task queue is configured")
		return
	}
	if !s.checkRateLimit(w, r, len(records)) {
		return
	}

	if mode == ModeQueue {
		s.enqueueRun(w, r, records)
		return
	}
	run := s.startLocalRun(records, workers)
	w.Header().Set("Location", "/runs/"+run.id)
	s.writeJSON(w, http.StatusAccepted, run.view(false))
}

func (s *Server) enqueueRun(w http.ResponseWriter, r *http.Request, records []receipt.InputRecord) {
	run := &batchRun{
		id:        uuid.NewString(),
		mode:      ModeQueue,
		records:   len(records),
		createdAt: time.Now(),
		status:    RunQueued,
	}
	tasks, err := s.enqueuer.Enqueue(r.Context(), run.id, records)
	if errors.Is(err, receipt.ErrDuplicateRecord) {
		s.writeError(w, http.StatusBadRequest, "duplicate_record", err.Error())
		return
	}
	if err != nil {
		s.metrics.runsTotal.WithLabelValues(ModeQueue, "error").Inc()
		s.logger.Error("Failed to enqueue run", "run_id", run.id, "error", err)
		s.writeError(w, http.StatusBadGateway, "enqueue_failed", err.Error())
		return
	}
	run.tasks = tasks
	s.runs.add(run)
	s.metrics.runsTotal.WithLabelValues(ModeQueue, string(RunQueued)).Inc()
	s.logger.Info("Run enqueued", "run_id", run.id, "records", len(records), "tasks", len(tasks))

	w.Header().Set("Location", "/runs/"+run.id)
	s.writeJSON(w, http.StatusAccepted, run.view(false))
}

// startLocalRun runs records in a background goroutine bound to the server
// lifetime.
func (s *Server) startLocalRun(records []receipt.InputRecord, workers int) *batchRun {
	ctx, cancel := context.WithCancel(s.baseCtx)
	run := &batchRun{
		id:        uuid.NewString(),
		mode:      ModeLocal,
		records:   len(records),
		createdAt: time.Now(),
		progress:  pipeline.NewProgressTracker(len(records)),
		cancel:    cancel,
		status:    RunRunning,
	}
	s.runs.add(run)
	log := s.logger.With("run_id", run.id)
	log.Info("Run started", "records", len(records), "workers", workers)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		progress := pipeline.NewMultiProgressCallback(run.progress, runObserver{runID: run.id, hub: s.hub})
		outcomes, err := s.runner.Run(ctx, records, pipeline.ParallelConfig{
			MaxWorkers:       workers,
			ProgressCallback: progress,
		})
		status := RunCompleted
		if err != nil {
			status = RunCancelled
		}
		s.metrics.runsTotal.WithLabelValues(ModeLocal, string(status)).Inc()
		run.finish(outcomes, err)

		view := run.view(false)
		s.hub.broadcast(run.id, "run_completed", view)
		log.Info("Run finished",
			"status", string(view.Status),
			"summaries", view.Summary.Summaries,
			"failed", view.Summary.Failed)
	}()
	return run
}

// manifestFormat maps a request content type onto a manifest format.
func manifestFormat(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "json"
	}
	switch mt {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return "yaml"
	case "text/csv", "application/csv":
		return "csv"
	default:
		return "json"
	}
}
