package batch

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MeKo-Tech/recrop/internal/pipeline"
	"github.com/MeKo-Tech/recrop/internal/receipt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() *Result {
	recs := testRecords()
	outcomes := []pipeline.RecordOutcome{
		outcome(recs[0], receipt.CodeSuccess),
		outcome(recs[1], receipt.CodeSuccess, receipt.CodeAmbiguous),
	}
	return &Result{
		Outcomes:    outcomes,
		Summary:     pipeline.Summarize(outcomes, 2*time.Second),
		Duration:    2 * time.Second,
		WorkerCount: 2,
	}
}

func TestResult_SaveResults_Stdout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sampleResult().SaveResults(&buf, FormatText, "", false))
	assert.Contains(t, buf.String(), "# F1/1")
}

func TestResult_SaveResults_File(t *testing.T) {
	out := filepath.Join(t.TempDir(), "report.json")
	var buf bytes.Buffer

	require.NoError(t, sampleResult().SaveResults(&buf, FormatJSON, out, false))

	assert.Contains(t, buf.String(), "Results written to "+out)
	data, err := os.ReadFile(out) //nolint:gosec // test path
	require.NoError(t, err)
	var report map[string]any
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Contains(t, report, "records")
}

func TestResult_SaveResults_QuietFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "report.csv")
	var buf bytes.Buffer

	require.NoError(t, sampleResult().SaveResults(&buf, FormatCSV, out, true))
	assert.Empty(t, buf.String())
}

func TestResult_SaveResults_BadFormat(t *testing.T) {
	err := sampleResult().SaveResults(&bytes.Buffer{}, "xml", "", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to format results")
}

func TestResult_PrintStats(t *testing.T) {
	var buf bytes.Buffer
	sampleResult().PrintStats(&buf, false)

	out := buf.String()
	assert.Contains(t, out, "Records: 2")
	assert.Contains(t, out, "Summaries: 3")
	assert.Contains(t, out, "Succeeded: 2")
	assert.Contains(t, out, "Failed: 1")
	assert.Contains(t, out, "E002")
	assert.Contains(t, out, "ambiguous detection")
	assert.Contains(t, out, "Throughput: 1.0 records/sec")

	buf.Reset()
	sampleResult().PrintStats(&buf, true)
	assert.Empty(t, buf.String())
}
