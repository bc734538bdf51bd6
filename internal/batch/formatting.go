package batch

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/recrop/internal/pipeline"
	"github.com/MeKo-Tech/recrop/internal/receipt"
)

// Supported report formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// formatBatchResults formats the batch processing results in the specified format.
func formatBatchResults(outcomes []pipeline.RecordOutcome, summary pipeline.BatchSummary, format string) (string, error) {
	switch format {
	case FormatJSON:
		return formatJSON(outcomes, summary)
	case FormatCSV:
		return formatCSV(outcomes)
	case "", FormatText:
		return formatText(outcomes, summary), nil
	default:
		return "", fmt.Errorf("unsupported format %q (must be %s, %s or %s)", format, FormatText, FormatJSON, FormatCSV)
	}
}

type jsonRecord struct {
	Record    receipt.Identity        `json:"record"`
	Summaries []receipt.SummaryRecord `json:"summaries"`
	Items     int                     `json:"items"`
	Duration  string                  `json:"duration"`
}

func formatJSON(outcomes []pipeline.RecordOutcome, summary pipeline.BatchSummary) (string, error) {
	report := struct {
		Records []jsonRecord          `json:"records"`
		Summary pipeline.BatchSummary `json:"summary"`
	}{
		Records: make([]jsonRecord, len(outcomes)),
		Summary: summary,
	}
	for i, o := range outcomes {
		items := 0
		for _, s := range o.Summaries {
			items += len(s.Items)
		}
		summaries := o.Summaries
		if summaries == nil {
			summaries = []receipt.SummaryRecord{}
		}
		report.Records[i] = jsonRecord{
			Record:    o.Record,
			Summaries: summaries,
			Items:     items,
			Duration:  o.Duration.String(),
		}
	}

	bts, err := json.MarshalIndent(report, "", "  ")
	return string(bts), err
}

func formatCSV(outcomes []pipeline.RecordOutcome) (string, error) {
	var output strings.Builder
	writer := csv.NewWriter(&output)

	header := []string{
		"container_id", "line_index", "receipt_index", "common", "result_code",
		"result_message", "merchant_name", "total_amount", "items", "attach_file",
	}
	if err := writer.Write(header); err != nil {
		return "", err
	}

	for _, o := range outcomes {
		for _, s := range o.Summaries {
			row := []string{
				s.ContainerID,
				strconv.Itoa(s.LineIndex),
				strconv.Itoa(s.ReceiptIndex),
				yn(s.Common),
				string(s.ResultCode),
				s.ResultMessage,
				deref(s.MerchantName),
				amount(s.TotalAmount),
				strconv.Itoa(len(s.Items)),
				s.AttachRef,
			}
			if err := writer.Write(row); err != nil {
				return "", err
			}
		}
	}
	writer.Flush()
	return output.String(), writer.Error()
}

func formatText(outcomes []pipeline.RecordOutcome, summary pipeline.BatchSummary) string {
	var output strings.Builder
	for i, o := range outcomes {
		if i > 0 {
			output.WriteString("\n")
		}
		fmt.Fprintf(&output, "# %s/%d\n", o.Record.ContainerID, o.Record.LineIndex)
		for _, s := range o.Summaries {
			fmt.Fprintf(&output, "  [%d] %s %s", s.ReceiptIndex, s.ResultCode, s.ResultMessage)
			if s.Succeeded() {
				fmt.Fprintf(&output, " (%s, total %s, %d items)", orDash(deref(s.MerchantName)), orDash(amount(s.TotalAmount)), len(s.Items))
			}
			output.WriteString("\n")
		}
	}
	fmt.Fprintf(&output, "\n%d record(s), %d summaries: %d succeeded, %d failed\n",
		summary.Records, summary.Summaries, summary.Succeeded, summary.Failed)
	return output.String()
}

func yn(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func amount(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
