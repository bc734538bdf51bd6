package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MeKo-Tech/recrop/internal/pipeline"
	"github.com/MeKo-Tech/recrop/internal/receipt"
	"github.com/MeKo-Tech/recrop/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type processorFunc func(ctx context.Context, rec receipt.InputRecord) pipeline.RecordOutcome

func (f processorFunc) Run(ctx context.Context, rec receipt.InputRecord) pipeline.RecordOutcome {
	return f(ctx, rec)
}

// succeed returns one success summary, or an E002 summary for container "MULTI".
func succeed(_ context.Context, rec receipt.InputRecord) pipeline.RecordOutcome {
	code := receipt.CodeSuccess
	if rec.ContainerID == "MULTI" {
		code = receipt.CodeAmbiguous
	}
	return pipeline.RecordOutcome{
		Record:    rec.Identity(),
		Summaries: []receipt.SummaryRecord{{Identity: rec.Identity().WithReceipt(1), ResultCode: code}},
	}
}

// blockUntilCancelled holds every record until ctx is done.
func blockUntilCancelled(started chan<- struct{}) processorFunc {
	var once sync.Once
	return func(ctx context.Context, rec receipt.InputRecord) pipeline.RecordOutcome {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return pipeline.RecordOutcome{
			Record: rec.Identity(),
			Summaries: []receipt.SummaryRecord{
				receipt.NewFailureSummary(rec.Identity(), rec.Common, receipt.CodeUpstream, "cancelled", "", time.Now()),
			},
		}
	}
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	err   error
	runs  []string
	count int
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, runID string, records []receipt.InputRecord) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.runs = append(f.runs, runID)
	f.count += len(records)
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = fmt.Sprintf("%s:%s:%d", runID, rec.ContainerID, rec.LineIndex)
	}
	return ids, nil
}

var errRedisDown = errors.New("redis down")

type testServer struct {
	*Server
	http *httptest.Server
	reg  *prometheus.Registry
	sink *store.Memory
}

func newTestServer(t *testing.T, processor pipeline.Processor, opts ...func(*Config, *Deps)) *testServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := store.NewMemory()
	recorder := pipeline.NewFailureRecorder(sink, "", 0, nil, nil)
	runner := pipeline.NewBatchRunner(processor, recorder, pipeline.NewMetrics(reg), nil)

	config := DefaultConfig()
	config.Workers = 2
	deps := Deps{Runner: runner, Registry: reg}
	for _, opt := range opts {
		opt(&config, &deps)
	}

	s, err := NewServer(config, deps)
	require.NoError(t, err)
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		_ = s.Close()
		ts.Close()
	})
	return &testServer{Server: s, http: ts, reg: reg, sink: sink}
}

const manifestJSON = `{"records": [
	{"container_id": "F1", "line_index": 1, "attach_file": "https://files.test/a.png"},
	{"container_id": "MULTI", "line_index": 2, "attach_file": "https://files.test/b.png"},
	{"container_id": "F3", "line_index": 3, "file_path": "https://files.test/c.pdf"}
]}`
