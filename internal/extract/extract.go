// Package extract maps an analyze result onto summary and line item rows.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/MeKo-Tech/recrop/internal/ocr"
	"github.com/MeKo-Tech/recrop/internal/receipt"
	"golang.org/x/text/unicode/norm"
)

// StageName labels failures raised here.
const StageName = "extract"

// Receipt field names of the prebuilt model.
const (
	fieldCountry       = "CountryRegion"
	fieldReceiptType   = "ReceiptType"
	fieldCategory      = "MerchantCategory"
	fieldMerchantName  = "MerchantName"
	fieldMerchantPhone = "MerchantPhoneNumber"
	fieldDate          = "TransactionDate"
	fieldTime          = "TransactionTime"
	fieldTotal         = "Total"
	fieldTax           = "TotalTax"
	fieldItems         = "Items"
	fieldDescription   = "Description"
	fieldQuantity      = "Quantity"
	fieldPrice         = "Price"
	fieldTotalPrice    = "TotalPrice"
)

var bizNoPattern = regexp.MustCompile(`\d{3}-\d{2}-\d{5}`)

// ErrNoDocument is returned when the analyze result carries no receipt.
var ErrNoDocument = errors.New("analyze result contains no document")

// Extractor turns analyze results into rows.
type Extractor struct {
	now       func() time.Time
	merchants map[string]string
}

// New returns an Extractor stamping rows with the wall clock.
func New(opts ...Option) *Extractor {
	return NewWithClock(time.Now, opts...)
}

// NewWithClock returns an Extractor using now for timestamps.
func NewWithClock(now func() time.Time, opts ...Option) *Extractor {
	e := &Extractor{now: now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract builds the success summary for item, including its line items.
// Any error or panic while reading the result yields POST_ERR.
func (e *Extractor) Extract(item receipt.CroppedItem, category string, res *ocr.Result) (rec receipt.SummaryRecord, serr *receipt.StageError) {
	defer func() {
		if r := recover(); r != nil {
			rec = receipt.SummaryRecord{}
			serr = receipt.NewStageError(StageName, receipt.CodePost, "extraction panicked", fmt.Errorf("%v", r))
		}
	}()

	doc, ok := res.FirstDocument()
	if !ok {
		return receipt.SummaryRecord{}, receipt.NewStageError(StageName, receipt.CodePost, "", ErrNoDocument)
	}

	now := e.now()
	rec = receipt.SummaryRecord{
		Identity:        item.Identity,
		Common:          item.Common,
		Category:        category,
		AttachRef:       item.SourceRef,
		Country:         text(doc.Fields, fieldCountry),
		ReceiptType:     firstText(doc.Fields, fieldReceiptType, fieldCategory),
		MerchantName:    e.normalizeMerchant(text(doc.Fields, fieldMerchantName)),
		MerchantPhone:   text(doc.Fields, fieldMerchantPhone),
		TransactionDate: text(doc.Fields, fieldDate),
		TransactionTime: text(doc.Fields, fieldTime),
		TotalAmount:     amount(doc.Fields, fieldTotal),
		TaxAmount:       amount(doc.Fields, fieldTax),
		ResultCode:      receipt.CodeSuccess,
		ResultMessage:   receipt.SuccessMessage,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	rec.SubtotalAmount = Subtotal(rec.TotalAmount, rec.TaxAmount)
	rec.BizNo, rec.DeliveryAddress = scanLines(res.Lines())

	items, err := lineItems(item, doc.Fields[fieldItems], now)
	if err != nil {
		return receipt.SummaryRecord{}, receipt.NewStageError(StageName, receipt.CodePost, "", err)
	}
	rec.Items = items
	return rec, nil
}

// Subtotal is total minus tax rounded to two decimals, or nil unless both
// are present.
func Subtotal(total, tax *float64) *float64 {
	if total == nil || tax == nil {
		return nil
	}
	v := Round2(*total - *tax)
	return &v
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func lineItems(item receipt.CroppedItem, field ocr.Field, now time.Time) ([]receipt.LineItem, error) {
	items := make([]receipt.LineItem, 0, len(field.ValueArray))
	for i, entry := range field.ValueArray {
		obj := entry.ValueObject
		contents, err := marshalContents(obj)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i+1, err)
		}
		items = append(items, receipt.LineItem{
			Identity:   item.Identity,
			ItemIndex:  i + 1,
			Name:       text(obj, fieldDescription),
			Quantity:   amount(obj, fieldQuantity),
			UnitPrice:  amount(obj, fieldPrice),
			TotalPrice: amount(obj, fieldTotalPrice),
			Contents:   contents,
			Common:     item.Common,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return items, nil
}

func marshalContents(obj map[string]ocr.Field) (string, error) {
	if obj == nil {
		obj = map[string]ocr.Field{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func scanLines(lines []string) (bizNo, address *string) {
	for _, line := range lines {
		if bizNo == nil {
			if m := bizNoPattern.FindString(line); m != "" {
				bizNo = &m
			}
		}
		if address == nil && strings.Contains(strings.ToLower(line), "address") {
			address = clean(line)
		}
		if bizNo != nil && address != nil {
			break
		}
	}
	return bizNo, address
}

func text(fields map[string]ocr.Field, name string) *string {
	f, ok := fields[name]
	if !ok {
		return nil
	}
	v := f.Text()
	if v == nil {
		return nil
	}
	return clean(*v)
}

func firstText(fields map[string]ocr.Field, names ...string) *string {
	for _, n := range names {
		if v := text(fields, n); v != nil {
			return v
		}
	}
	return nil
}

func amount(fields map[string]ocr.Field, name string) *float64 {
	f, ok := fields[name]
	if !ok {
		return nil
	}
	return f.Amount()
}

// clean composes the text to NFC and trims it. Empty text becomes nil.
func clean(s string) *string {
	s = strings.TrimSpace(norm.NFC.String(s))
	if s == "" {
		return nil
	}
	return &s
}
