package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MeKo-Tech/recrop/internal/pipeline"
	"github.com/MeKo-Tech/recrop/internal/receipt"
)

// RunStatus is the lifecycle state of a submitted run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunQueued    RunStatus = "queued"
)

// Run modes.
const (
	ModeLocal = "local"
	ModeQueue = "queue"
)

// batchRun is one submitted batch. Local runs execute in the server process;
// queued runs only record the task ids handed to the queue.
type batchRun struct {
	id        string
	mode      string
	records   int
	createdAt time.Time

	progress *pipeline.ProgressTracker
	cancel   context.CancelFunc

	mu         sync.RWMutex
	status     RunStatus
	tasks      []string
	outcomes   []pipeline.RecordOutcome
	summary    *pipeline.BatchSummary
	err        string
	finishedAt time.Time
}

// RunView is the JSON shape of a run.
type RunView struct {
	ID         string                    `json:"id"`
	Mode       string                    `json:"mode"`
	Status     RunStatus                 `json:"status"`
	Records    int                       `json:"records"`
	CreatedAt  time.Time                 `json:"created_at"`
	FinishedAt *time.Time                `json:"finished_at,omitempty"`
	Progress   *pipeline.ProgressTracker `json:"progress,omitempty"`
	Percent    float64                   `json:"percent"`
	Summary    *pipeline.BatchSummary    `json:"summary,omitempty"`
	Outcomes   []pipeline.RecordOutcome  `json:"outcomes,omitempty"`
	Tasks      []string                  `json:"tasks,omitempty"`
	Error      string                    `json:"error,omitempty"`
}

func (r *batchRun) finish(outcomes []pipeline.RecordOutcome, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishedAt = time.Now()
	r.outcomes = outcomes
	bs := pipeline.Summarize(outcomes, r.finishedAt.Sub(r.createdAt))
	r.summary = &bs
	r.status = RunCompleted
	if err != nil {
		r.status = RunCancelled
		r.err = err.Error()
	}
}

func (r *batchRun) currentStatus() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// view snapshots the run. Outcomes are included only when detail is set.
func (r *batchRun) view(detail bool) RunView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v := RunView{
		ID:        r.id,
		Mode:      r.mode,
		Status:    r.status,
		Records:   r.records,
		CreatedAt: r.createdAt,
		Summary:   r.summary,
		Tasks:     r.tasks,
		Error:     r.err,
	}
	if !r.finishedAt.IsZero() {
		t := r.finishedAt
		v.FinishedAt = &t
	}
	if r.progress != nil {
		stats := r.progress.GetStats()
		v.Progress = &stats
		v.Percent = r.progress.PercentComplete()
	}
	if detail {
		v.Outcomes = r.outcomes
	}
	return v
}

// runRegistry keeps every run submitted since the server started.
type runRegistry struct {
	mu   sync.RWMutex
	runs map[string]*batchRun
}

func newRunRegistry() *runRegistry {
	return &runRegistry{runs: make(map[string]*batchRun)}
}

func (rr *runRegistry) add(r *batchRun) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.runs[r.id] = r
}

func (rr *runRegistry) get(id string) (*batchRun, bool) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	r, ok := rr.runs[id]
	return r, ok
}

// list returns the runs newest first.
func (rr *runRegistry) list() []*batchRun {
	rr.mu.RLock()
	out := make([]*batchRun, 0, len(rr.runs))
	for _, r := range rr.runs {
		out = append(out, r)
	}
	rr.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].createdAt.After(out[j].createdAt) })
	return out
}

func (rr *runRegistry) active() int {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	n := 0
	for _, r := range rr.runs {
		if r.currentStatus() == RunRunning {
			n++
		}
	}
	return n
}

// runObserver forwards batch progress of one run to websocket clients.
type runObserver struct {
	runID string
	hub   *hub
}

func (o runObserver) OnStart(total int) {
	o.hub.broadcast(o.runID, "run_started", map[string]int{"total": total})
}

func (o runObserver) OnProgress(current, total int) {
	o.hub.broadcast(o.runID, "progress", map[string]int{"current": current, "total": total})
}

func (o runObserver) OnComplete() {}

func (o runObserver) OnError(int, error) {}

func (o runObserver) OnRecordStart(id receipt.Identity) {
	o.hub.broadcast(o.runID, "record_started", id)
}

func (o runObserver) OnRecordDone(outcome pipeline.RecordOutcome) {
	o.hub.broadcast(o.runID, "record_done", outcome)
}
