package ocr

import (
	"encoding/json"
	"fmt"
)

// Operation status values reported by the analyze endpoint.
const (
	StatusNotStarted = "notStarted"
	StatusRunning    = "running"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
)

// Result is the body of a finished analyze operation. Raw keeps the bytes as
// received so they can be archived next to the cropped image.
type Result struct {
	Status        string         `json:"status"`
	CreatedAt     string         `json:"createdDateTime,omitempty"`
	UpdatedAt     string         `json:"lastUpdatedDateTime,omitempty"`
	AnalyzeResult *AnalyzeResult `json:"analyzeResult,omitempty"`
	Error         *APIError      `json:"error,omitempty"`

	Raw []byte `json:"-"`
}

// AnalyzeResult holds the recognised documents and page text.
type AnalyzeResult struct {
	APIVersion string     `json:"apiVersion,omitempty"`
	ModelID    string     `json:"modelId,omitempty"`
	Content    string     `json:"content,omitempty"`
	Pages      []Page     `json:"pages,omitempty"`
	Documents  []Document `json:"documents,omitempty"`
}

// Page is one analysed page.
type Page struct {
	PageNumber int    `json:"pageNumber"`
	Lines      []Line `json:"lines,omitempty"`
}

// Line is one line of recognised text.
type Line struct {
	Content string `json:"content"`
}

// Document is one recognised receipt.
type Document struct {
	DocType    string           `json:"docType"`
	Confidence float64          `json:"confidence"`
	Fields     map[string]Field `json:"fields"`
}

// Field is a typed document field. Only the value member matching Type is
// populated.
type Field struct {
	Type               string           `json:"type"`
	Content            string           `json:"content,omitempty"`
	Confidence         float64          `json:"confidence,omitempty"`
	ValueString        *string          `json:"valueString,omitempty"`
	ValueNumber        *float64         `json:"valueNumber,omitempty"`
	ValueDate          *string          `json:"valueDate,omitempty"`
	ValueTime          *string          `json:"valueTime,omitempty"`
	ValuePhoneNumber   *string          `json:"valuePhoneNumber,omitempty"`
	ValueCountryRegion *string          `json:"valueCountryRegion,omitempty"`
	ValueCurrency      *Currency        `json:"valueCurrency,omitempty"`
	ValueArray         []Field          `json:"valueArray,omitempty"`
	ValueObject        map[string]Field `json:"valueObject,omitempty"`
}

// Currency is a monetary amount.
type Currency struct {
	Amount         *float64 `json:"amount,omitempty"`
	CurrencySymbol string   `json:"currencySymbol,omitempty"`
	CurrencyCode   string   `json:"currencyCode,omitempty"`
}

// APIError is the service error envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FirstDocument returns the first recognised document, if any.
func (r *Result) FirstDocument() (Document, bool) {
	if r == nil || r.AnalyzeResult == nil || len(r.AnalyzeResult.Documents) == 0 {
		return Document{}, false
	}
	return r.AnalyzeResult.Documents[0], true
}

// Lines returns every page line in reading order.
func (r *Result) Lines() []string {
	if r == nil || r.AnalyzeResult == nil {
		return nil
	}
	var out []string
	for _, p := range r.AnalyzeResult.Pages {
		for _, l := range p.Lines {
			out = append(out, l.Content)
		}
	}
	return out
}

// ParseResult decodes an operation body and keeps the raw bytes.
func ParseResult(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode analyze result: %w", err)
	}
	r.Raw = append([]byte(nil), data...)
	return &r, nil
}

// Amount returns the currency amount, falling back to a plain number.
func (f Field) Amount() *float64 {
	if f.ValueCurrency != nil && f.ValueCurrency.Amount != nil {
		return f.ValueCurrency.Amount
	}
	return f.ValueNumber
}

// Text returns the most specific textual value of the field.
func (f Field) Text() *string {
	for _, v := range []*string{f.ValueString, f.ValuePhoneNumber, f.ValueCountryRegion, f.ValueDate, f.ValueTime} {
		if v != nil {
			return v
		}
	}
	if f.Content != "" {
		c := f.Content
		return &c
	}
	return nil
}
