package batch

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/MeKo-Tech/recrop/internal/pipeline"
)

// Config holds all configuration for batch processing.
type Config struct {
	// Parallel processing settings
	Workers int

	// Output settings
	Format     string
	OutputFile string

	// Manifest discovery settings
	Recursive       bool
	IncludePatterns []string
	ExcludePatterns []string

	// Progress settings
	ShowProgress   bool
	Quiet          bool
	ShowStats      bool
	ProgressWriter io.Writer
	// Progress receives events in addition to the progress bar.
	Progress pipeline.ProgressCallback
}

// Result holds the result of batch processing.
type Result struct {
	Outcomes    []pipeline.RecordOutcome
	Summary     pipeline.BatchSummary
	Duration    time.Duration
	WorkerCount int
}

// FormatResults formats the batch processing results in the specified format.
func (r *Result) FormatResults(format string) (string, error) {
	return formatBatchResults(r.Outcomes, r.Summary, format)
}

// SaveResults writes the formatted results to outputFile, or to w when no
// file is given.
func (r *Result) SaveResults(w io.Writer, format, outputFile string, quiet bool) error {
	output, err := r.FormatResults(format)
	if err != nil {
		return fmt.Errorf("failed to format results: %w", err)
	}

	if outputFile != "" {
		if err := os.WriteFile(outputFile, []byte(output), 0o600); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
		if !quiet {
			_, _ = fmt.Fprintf(w, "Results written to %s\n", outputFile)
		}
	} else {
		_, _ = fmt.Fprint(w, output)
	}

	return nil
}

// PrintStats prints processing statistics.
func (r *Result) PrintStats(w io.Writer, quiet bool) {
	if quiet {
		return
	}
	s := r.Summary
	_, _ = fmt.Fprintf(w, "\nProcessing Statistics:\n")
	_, _ = fmt.Fprintf(w, "  Records: %d\n", s.Records)
	_, _ = fmt.Fprintf(w, "  Summaries: %d\n", s.Summaries)
	_, _ = fmt.Fprintf(w, "  Succeeded: %d\n", s.Succeeded)
	_, _ = fmt.Fprintf(w, "  Failed: %d\n", s.Failed)
	for _, code := range s.SortedCodes() {
		_, _ = fmt.Fprintf(w, "    %-9s %d (%s)\n", code, s.ByCode[code], code.Description())
	}
	_, _ = fmt.Fprintf(w, "  Workers: %d\n", r.WorkerCount)
	_, _ = fmt.Fprintf(w, "  Duration: %v\n", r.Duration.Round(time.Millisecond))
	if s.Records > 0 && r.Duration > 0 {
		_, _ = fmt.Fprintf(w, "  Throughput: %.1f records/sec\n", float64(s.Records)/r.Duration.Seconds())
	}
}
