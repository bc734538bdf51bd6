package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"sync"

	"github.com/MeKo-Tech/recrop/internal/detector"
	"github.com/MeKo-Tech/recrop/internal/ocr"
	"github.com/MeKo-Tech/recrop/internal/receipt"
	"github.com/MeKo-Tech/recrop/internal/store"
	"github.com/MeKo-Tech/recrop/internal/utils"
)

// ErrInjected is the default error returned by failing fakes.
var ErrInjected = errors.New("injected failure")

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// Region returns a confident detection covering rect.
func Region(rect image.Rectangle) detector.DetectedRegion {
	return detector.DetectedRegion{
		Box:        utils.NewBox(float64(rect.Min.X), float64(rect.Min.Y), float64(rect.Max.X), float64(rect.Max.Y)),
		Confidence: 0.9,
	}
}

// StaticDetector reports one region per rectangle for every image.
func StaticDetector(rects ...image.Rectangle) detector.DetectorFunc {
	return func(ctx context.Context, _ image.Image) ([]detector.DetectedRegion, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out := make([]detector.DetectedRegion, len(rects))
		for i, r := range rects {
			out[i] = Region(r)
		}
		return out, nil
	}
}

// ItemSpec is one line item of a synthetic receipt.
type ItemSpec struct {
	Description string
	Quantity    float64
	Price       float64
	TotalPrice  float64
}

// ReceiptSpec describes the fields of a synthetic analyze result. Nil
// amounts are left out of the document.
type ReceiptSpec struct {
	Merchant string
	Phone    string
	Date     string
	Total    *float64
	Tax      *float64
	Items    []ItemSpec
	Lines    []string
}

// DefaultReceipt is a small two-item receipt with tax.
func DefaultReceipt() ReceiptSpec {
	return ReceiptSpec{
		Merchant: "Cafe Seoul",
		Phone:    "02-555-0100",
		Date:     "2025-03-01",
		Total:    Ptr(110.0),
		Tax:      Ptr(10.0),
		Items: []ItemSpec{
			{Description: "Latte", Quantity: 2, Price: 45, TotalPrice: 90},
			{Description: "Cookie", Quantity: 1, Price: 10, TotalPrice: 10},
		},
		Lines: []string{"Cafe Seoul", "Business No. 123-45-67890", "Address: 1 Jongno-gu, Seoul"},
	}
}

// ReceiptResult builds a succeeded analyze result for spec with Raw set to
// its JSON encoding.
func ReceiptResult(spec ReceiptSpec) *ocr.Result {
	fields := map[string]ocr.Field{}
	if spec.Merchant != "" {
		fields["MerchantName"] = ocr.Field{Type: "string", ValueString: Ptr(spec.Merchant)}
	}
	if spec.Phone != "" {
		fields["MerchantPhoneNumber"] = ocr.Field{Type: "phoneNumber", ValuePhoneNumber: Ptr(spec.Phone)}
	}
	if spec.Date != "" {
		fields["TransactionDate"] = ocr.Field{Type: "date", ValueDate: Ptr(spec.Date)}
	}
	if spec.Total != nil {
		fields["Total"] = currencyField(*spec.Total)
	}
	if spec.Tax != nil {
		fields["TotalTax"] = currencyField(*spec.Tax)
	}
	if len(spec.Items) > 0 {
		arr := make([]ocr.Field, len(spec.Items))
		for i, it := range spec.Items {
			arr[i] = ocr.Field{Type: "object", ValueObject: map[string]ocr.Field{
				"Description": {Type: "string", ValueString: Ptr(it.Description)},
				"Quantity":    {Type: "number", ValueNumber: Ptr(it.Quantity)},
				"Price":       currencyField(it.Price),
				"TotalPrice":  currencyField(it.TotalPrice),
			}}
		}
		fields["Items"] = ocr.Field{Type: "array", ValueArray: arr}
	}

	page := ocr.Page{PageNumber: 1}
	for _, l := range spec.Lines {
		page.Lines = append(page.Lines, ocr.Line{Content: l})
	}
	res := &ocr.Result{
		Status: ocr.StatusSucceeded,
		AnalyzeResult: &ocr.AnalyzeResult{
			APIVersion: ocr.DefaultAPIVersion,
			ModelID:    ocr.DefaultModelID,
			Pages:      []ocr.Page{page},
			Documents:  []ocr.Document{{DocType: "receipt.retailMeal", Confidence: 0.98, Fields: fields}},
		},
	}
	res.Raw, _ = json.Marshal(res)
	return res
}

func currencyField(v float64) ocr.Field {
	return ocr.Field{Type: "currency", ValueCurrency: &ocr.Currency{Amount: Ptr(v), CurrencyCode: "KRW"}}
}

// StaticAnalyzer returns res for every image.
func StaticAnalyzer(res *ocr.Result) ocr.AnalyzerFunc {
	return func(ctx context.Context, _ string) (*ocr.Result, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return res, nil
	}
}

// FailingAnalyzer fails every call with err, or ErrInjected when err is nil.
func FailingAnalyzer(err error) ocr.AnalyzerFunc {
	if err == nil {
		err = ErrInjected
	}
	return func(context.Context, string) (*ocr.Result, error) {
		return nil, err
	}
}

// FlakySink wraps a Persister and fails the summary writes selected by
// FailSummary. Failed writes are not forwarded.
type FlakySink struct {
	store.Persister
	FailSummary func(receipt.SummaryRecord) bool
	Err         error

	mu     sync.Mutex
	failed int
}

// InsertSummary fails when FailSummary selects s.
func (f *FlakySink) InsertSummary(ctx context.Context, s receipt.SummaryRecord) error {
	if f.FailSummary != nil && f.FailSummary(s) {
		f.mu.Lock()
		f.failed++
		f.mu.Unlock()
		if f.Err != nil {
			return f.Err
		}
		return ErrInjected
	}
	return f.Persister.InsertSummary(ctx, s)
}

// Failed counts rejected summary writes.
func (f *FlakySink) Failed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}
