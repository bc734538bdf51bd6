package support

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"time"

	"github.com/MeKo-Tech/recrop/internal/receipt"
	"github.com/MeKo-Tech/recrop/internal/testutil"
	"github.com/cucumber/godog"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
)

// RegisterSetupSteps registers the Given steps.
func (testCtx *TestContext) RegisterSetupSteps(sc *godog.ScenarioContext) {
	sc.Step(`^a clean workspace$`, testCtx.aCleanWorkspace)
	sc.Step(`^the analysis service recognises the receipt of "([^"]*)"$`, testCtx.theAnalysisServiceRecognises)
	sc.Step(`^the analysis service fails for receipt (\d+)$`, testCtx.theAnalysisServiceFailsFor)
	sc.Step(`^the analysis service hangs for receipt (\d+) with a (\d+)ms timeout$`, testCtx.theAnalysisServiceHangsFor)
	sc.Step(`^the detector finds (\d+) receipts? on every page$`, testCtx.theDetectorFinds)
	sc.Step(`^an? (\S+) record "([^"]*)" line (\d+) with a scanned page$`, testCtx.aRecordWithPage)
	sc.Step(`^a SINGLE record "([^"]*)" line (\d+) with receipt index (\d+) and a scanned page$`, testCtx.aSingleRecordWithIndex)
	sc.Step(`^an? (\S+) record "([^"]*)" line (\d+) pointing at a missing file$`, testCtx.aRecordWithMissingFile)
	sc.Step(`^a record "([^"]*)" line (\d+) without sources$`, testCtx.aRecordWithoutSources)
}

// RegisterRunSteps registers the When steps.
func (testCtx *TestContext) RegisterRunSteps(sc *godog.ScenarioContext) {
	sc.Step(`^the records are processed$`, testCtx.theRecordsAreProcessed)
}

// RegisterAssertionSteps registers the Then steps.
func (testCtx *TestContext) RegisterAssertionSteps(sc *godog.ScenarioContext) {
	sc.Step(`^(\d+) summar(?:y is|ies are) stored for "([^"]*)" line (\d+)$`, testCtx.summariesAreStored)
	sc.Step(`^receipt (\d+) of "([^"]*)" line (\d+) has result code "([^"]*)"$`, testCtx.receiptHasCode)
	sc.Step(`^receipt (\d+) of "([^"]*)" line (\d+) has merchant "([^"]*)"$`, testCtx.receiptHasMerchant)
	sc.Step(`^receipt (\d+) of "([^"]*)" line (\d+) has no merchant$`, testCtx.receiptHasNoMerchant)
	sc.Step(`^receipt (\d+) of "([^"]*)" line (\d+) is marked common$`, testCtx.receiptIsCommon)
	sc.Step(`^the analysis service was called (\d+) times?$`, testCtx.theAnalysisServiceWasCalled)
	sc.Step(`^(\d+) cropped images? (?:was|were) written$`, testCtx.croppedImagesWritten)
	sc.Step(`^the results metric for code "([^"]*)" is (\d+)$`, testCtx.theResultsMetricIs)
	sc.Step(`^every record is accounted for$`, testCtx.everyRecordIsAccountedFor)
}

func (testCtx *TestContext) aCleanWorkspace() error {
	return testCtx.Workspace.Ensure()
}

func (testCtx *TestContext) theAnalysisServiceRecognises(merchant string) error {
	spec := testutil.DefaultReceipt()
	spec.Merchant = merchant
	testCtx.Analysis = testutil.ReceiptResult(spec)
	return nil
}

func (testCtx *TestContext) theAnalysisServiceFailsFor(idx int) error {
	testCtx.FailFor[idx] = true
	return nil
}

func (testCtx *TestContext) theAnalysisServiceHangsFor(idx, ms int) error {
	testCtx.HangFor[idx] = true
	testCtx.Timeouts.OCR = time.Duration(ms) * time.Millisecond
	return nil
}

// theDetectorFinds lays n slips side by side across the 640 pixel page.
func (testCtx *TestContext) theDetectorFinds(n int) error {
	testCtx.Rects = make([]image.Rectangle, n)
	for i := range n {
		x := 20 + i*205
		testCtx.Rects[i] = image.Rect(x, 40, x+190, 440)
	}
	return nil
}

func (testCtx *TestContext) aRecordWithPage(kind, containerID string, line int) error {
	return testCtx.addPageRecord(kind, containerID, line, nil)
}

func (testCtx *TestContext) aSingleRecordWithIndex(containerID string, line, idx int) error {
	return testCtx.addPageRecord(string(receipt.SourceSingle), containerID, line, &idx)
}

func (testCtx *TestContext) addPageRecord(kind, containerID string, line int, receiptIndex *int) error {
	path, err := testCtx.WritePage(fmt.Sprintf("page-%s-%d.png", containerID, line))
	if err != nil {
		return fmt.Errorf("failed to write page: %w", err)
	}
	testCtx.AddRecord(receipt.InputRecord{
		ContainerID:  containerID,
		LineIndex:    line,
		ReceiptIndex: receiptIndex,
		Category:     "MEAL",
		Sources:      []receipt.Source{{Kind: receipt.SourceKind(kind), Location: path}},
	})
	return nil
}

func (testCtx *TestContext) aRecordWithMissingFile(kind, containerID string, line int) error {
	testCtx.AddRecord(receipt.InputRecord{
		ContainerID: containerID,
		LineIndex:   line,
		Sources: []receipt.Source{{
			Kind:     receipt.SourceKind(kind),
			Location: filepath.Join(testCtx.TempDir, "input", "missing.png"),
		}},
	})
	return nil
}

func (testCtx *TestContext) aRecordWithoutSources(containerID string, line int) error {
	testCtx.AddRecord(receipt.InputRecord{ContainerID: containerID, LineIndex: line})
	return nil
}

func (testCtx *TestContext) theRecordsAreProcessed(ctx context.Context) error {
	if err := testCtx.Process(ctx); err != nil {
		return err
	}
	return testCtx.RunErr
}

func (testCtx *TestContext) summariesAreStored(n int, containerID string, line int) error {
	got := testCtx.SummariesFor(containerID, line)
	if len(got) != n {
		return fmt.Errorf("expected %d summaries for %s/%d, got %d", n, containerID, line, len(got))
	}
	return nil
}

func (testCtx *TestContext) receiptHasCode(idx int, containerID string, line int, code string) error {
	s, err := testCtx.Summary(containerID, line, idx)
	if err != nil {
		return err
	}
	if string(s.ResultCode) != code {
		return fmt.Errorf("expected code %s for receipt %d, got %s (%s)", code, idx, s.ResultCode, s.ResultMessage)
	}
	return nil
}

func (testCtx *TestContext) receiptHasMerchant(idx int, containerID string, line int, merchant string) error {
	s, err := testCtx.Summary(containerID, line, idx)
	if err != nil {
		return err
	}
	if s.MerchantName == nil {
		return fmt.Errorf("receipt %d has no merchant", idx)
	}
	if *s.MerchantName != merchant {
		return fmt.Errorf("expected merchant %q, got %q", merchant, *s.MerchantName)
	}
	return nil
}

func (testCtx *TestContext) receiptHasNoMerchant(idx int, containerID string, line int) error {
	s, err := testCtx.Summary(containerID, line, idx)
	if err != nil {
		return err
	}
	if s.MerchantName != nil {
		return fmt.Errorf("expected no merchant for receipt %d, got %q", idx, *s.MerchantName)
	}
	return nil
}

func (testCtx *TestContext) receiptIsCommon(idx int, containerID string, line int) error {
	s, err := testCtx.Summary(containerID, line, idx)
	if err != nil {
		return err
	}
	if !s.Common {
		return fmt.Errorf("receipt %d is not marked common", idx)
	}
	return nil
}

func (testCtx *TestContext) theAnalysisServiceWasCalled(n int) error {
	if got := testCtx.Calls(); got != n {
		return fmt.Errorf("expected %d analysis calls, got %d", n, got)
	}
	return nil
}

func (testCtx *TestContext) croppedImagesWritten(n int) error {
	got, err := testCtx.CropCount()
	if err != nil {
		return err
	}
	if got != n {
		return fmt.Errorf("expected %d cropped images, got %d", n, got)
	}
	return nil
}

func (testCtx *TestContext) theResultsMetricIs(code string, n int) error {
	got := promtestutil.ToFloat64(testCtx.Metrics.Results.WithLabelValues(code))
	if int(got) != n {
		return fmt.Errorf("expected recrop_results_total{code=%q} = %d, got %v", code, n, got)
	}
	return nil
}

// everyRecordIsAccountedFor checks that each record produced at least one
// stored summary.
func (testCtx *TestContext) everyRecordIsAccountedFor() error {
	if len(testCtx.Outcomes) != len(testCtx.Records) {
		return fmt.Errorf("expected %d outcomes, got %d", len(testCtx.Records), len(testCtx.Outcomes))
	}
	for _, rec := range testCtx.Records {
		if len(testCtx.SummariesFor(rec.ContainerID, rec.LineIndex)) == 0 {
			return fmt.Errorf("record %s/%d has no stored summary", rec.ContainerID, rec.LineIndex)
		}
	}
	return nil
}
