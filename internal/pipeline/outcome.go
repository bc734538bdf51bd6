package pipeline

import (
	"sort"
	"time"

	"github.com/MeKo-Tech/recrop/internal/receipt"
)

// RecordOutcome collects every summary one input record produced, in the
// order the items were processed.
type RecordOutcome struct {
	Record    receipt.Identity        `json:"record"`
	Summaries []receipt.SummaryRecord `json:"summaries"`
	Duration  time.Duration           `json:"duration"`
}

// Codes lists the result code of every summary in order.
func (o RecordOutcome) Codes() []receipt.Code {
	codes := make([]receipt.Code, len(o.Summaries))
	for i, s := range o.Summaries {
		codes[i] = s.ResultCode
	}
	return codes
}

// Failures counts summaries that did not succeed.
func (o RecordOutcome) Failures() int {
	n := 0
	for _, s := range o.Summaries {
		if !s.Succeeded() {
			n++
		}
	}
	return n
}

// Successes counts successful summaries.
func (o RecordOutcome) Successes() int {
	return len(o.Summaries) - o.Failures()
}

// BatchSummary aggregates a batch.
type BatchSummary struct {
	Records   int                  `json:"records"`
	Summaries int                  `json:"summaries"`
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
	ByCode    map[receipt.Code]int `json:"by_code"`
	Duration  time.Duration        `json:"duration"`
}

// Summarize aggregates outcomes.
func Summarize(outcomes []RecordOutcome, elapsed time.Duration) BatchSummary {
	bs := BatchSummary{Records: len(outcomes), ByCode: map[receipt.Code]int{}, Duration: elapsed}
	for _, o := range outcomes {
		for _, s := range o.Summaries {
			bs.Summaries++
			bs.ByCode[s.ResultCode]++
			if s.Succeeded() {
				bs.Succeeded++
			} else {
				bs.Failed++
			}
		}
	}
	return bs
}

// SortedCodes returns the codes present in ByCode in a stable order.
func (b BatchSummary) SortedCodes() []receipt.Code {
	codes := make([]receipt.Code, 0, len(b.ByCode))
	for c := range b.ByCode {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}
