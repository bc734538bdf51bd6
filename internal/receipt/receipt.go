// Package receipt holds the record types shared by every pipeline stage.
package receipt

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SourceKind classifies how many receipts a source may contain.
type SourceKind string

const (
	// SourceSingle is an attachment that holds exactly one receipt.
	SourceSingle SourceKind = "SINGLE"
	// SourceShared is a common page that may hold several receipts.
	SourceShared SourceKind = "SHARED"
)

// Upstream column names that map onto source kinds.
const (
	ColumnAttachFile = "ATTACH_FILE"
	ColumnFilePath   = "FILE_PATH"
)

// ParseSourceKind maps both the canonical kind names and the upstream column
// names onto a SourceKind. Unknown values are returned unchanged so that the
// cropper can reject them with a classified failure.
func ParseSourceKind(s string) SourceKind {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(SourceSingle), ColumnAttachFile:
		return SourceSingle
	case string(SourceShared), ColumnFilePath:
		return SourceShared
	default:
		return SourceKind(s)
	}
}

// Known reports whether k is one of the supported kinds.
func (k SourceKind) Known() bool {
	return k == SourceSingle || k == SourceShared
}

// Tag is a short filesystem-safe label for the kind.
func (k SourceKind) Tag() string {
	switch k {
	case SourceSingle:
		return "attach"
	case SourceShared:
		return "common"
	default:
		return "unknown"
	}
}

// Identity attributes every result to the record it came from.
// ReceiptIndex 0 means no receipt index has been assigned.
type Identity struct {
	ContainerID  string `json:"container_id"`
	LineIndex    int    `json:"line_index"`
	ReceiptIndex int    `json:"receipt_index"`
}

// WithReceipt returns a copy of the identity carrying the given receipt index.
func (id Identity) WithReceipt(idx int) Identity {
	id.ReceiptIndex = idx
	return id
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%d/%d", id.ContainerID, id.LineIndex, id.ReceiptIndex)
}

// Source is one location to fetch an image or document from.
type Source struct {
	Kind     SourceKind `json:"kind" yaml:"kind"`
	Location string     `json:"location" yaml:"location"`
}

// InputRecord is one unit of work pulled from upstream.
type InputRecord struct {
	ContainerID  string   `json:"container_id" yaml:"container_id"`
	LineIndex    int      `json:"line_index" yaml:"line_index"`
	ReceiptIndex *int     `json:"receipt_index,omitempty" yaml:"receipt_index,omitempty"`
	Common       bool     `json:"common" yaml:"common"`
	Category     string   `json:"category,omitempty" yaml:"category,omitempty"`
	Sources      []Source `json:"sources" yaml:"sources"`
}

// ErrNoSource is returned by Validate when a record carries no location.
var ErrNoSource = errors.New("no source location")

// ErrDuplicateSource is returned by Validate when a record carries two
// present sources of the same kind. Their rows would share a store key.
var ErrDuplicateSource = errors.New("duplicate source kind")

// ErrDuplicateRecord is returned by CheckUnique when two records of a batch
// share a container and line.
var ErrDuplicateRecord = errors.New("duplicate record")

// CheckUnique rejects a batch in which two records share a container and
// line. Their rows would share store keys and task ids.
func CheckUnique(records []InputRecord) error {
	seen := make(map[Identity]int, len(records))
	var dups []string
	for _, r := range records {
		id := r.Identity()
		seen[id]++
		if seen[id] == 2 {
			dups = append(dups, fmt.Sprintf("%s/%d", id.ContainerID, id.LineIndex))
		}
	}
	if len(dups) > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateRecord, strings.Join(dups, ", "))
	}
	return nil
}

// Identity returns the record-level identity (no receipt index).
func (r InputRecord) Identity() Identity {
	return Identity{ContainerID: r.ContainerID, LineIndex: r.LineIndex}
}

// Validate checks the required fields once, at the boundary.
func (r InputRecord) Validate() error {
	if strings.TrimSpace(r.ContainerID) == "" {
		return errors.New("container id is required")
	}
	present := r.PresentSources()
	if len(present) == 0 {
		return ErrNoSource
	}
	seen := make(map[string]bool, len(present))
	for _, s := range present {
		slot := ParseSourceKind(string(s.Kind)).Tag()
		if seen[slot] {
			return fmt.Errorf("%w: more than one %s source", ErrDuplicateSource, slot)
		}
		seen[slot] = true
	}
	return nil
}

// PresentSources returns the sources with a non-empty location, in order.
func (r InputRecord) PresentSources() []Source {
	out := make([]Source, 0, len(r.Sources))
	for _, s := range r.Sources {
		if strings.TrimSpace(s.Location) != "" {
			out = append(out, s)
		}
	}
	return out
}

// PrimarySource is the first present source, used as the attachment
// reference when the record fails as a whole.
func (r InputRecord) PrimarySource() string {
	if ps := r.PresentSources(); len(ps) > 0 {
		return ps[0].Location
	}
	return ""
}

// DefaultReceiptIndex is the index a source gets before detection. A SINGLE
// source always resolves to the caller override or 1. A SHARED source has
// no index until it is cropped, so failures before that use 0.
func (r InputRecord) DefaultReceiptIndex(kind SourceKind) int {
	if kind != SourceSingle {
		return 0
	}
	if r.ReceiptIndex != nil && *r.ReceiptIndex > 0 {
		return *r.ReceiptIndex
	}
	return 1
}

// CommonFor reports the common-item flag for items of the given kind.
// Shared pages always produce common items and attachments never do, so a
// record carrying both kinds keeps its rows apart even when Common is set.
func (r InputRecord) CommonFor(kind SourceKind) bool {
	return kind == SourceShared
}

// CroppedItem is one receipt image written to disk by the cropper.
type CroppedItem struct {
	Identity
	Path      string     `json:"path"`
	Kind      SourceKind `json:"kind"`
	Common    bool       `json:"common"`
	SourceRef string     `json:"source_ref"`
	Base      string     `json:"base"`
}

// SummaryRecord is the persisted outcome for one cropped item, or the
// substitute row for a source that failed before cropping.
type SummaryRecord struct {
	Identity
	Common          bool       `json:"common"`
	Category        string     `json:"category,omitempty"`
	AttachRef       string     `json:"attach_file"`
	Country         *string    `json:"country"`
	ReceiptType     *string    `json:"receipt_type"`
	MerchantName    *string    `json:"merchant_name"`
	MerchantPhone   *string    `json:"merchant_phone_no"`
	DeliveryAddress *string    `json:"delivery_addr"`
	TransactionDate *string    `json:"transaction_date"`
	TransactionTime *string    `json:"transaction_time"`
	TotalAmount     *float64   `json:"total_amount"`
	SubtotalAmount  *float64   `json:"sumtotal_amount"`
	TaxAmount       *float64   `json:"tax_amount"`
	BizNo           *string    `json:"biz_no"`
	ResultCode      Code       `json:"result_code"`
	ResultMessage   string     `json:"result_message"`
	CreatedAt       time.Time  `json:"create_date"`
	UpdatedAt       time.Time  `json:"update_date"`
	Items           []LineItem `json:"-"`
}

// Succeeded reports whether the record carries the success code.
func (s SummaryRecord) Succeeded() bool { return s.ResultCode == CodeSuccess }

// LineItem is one itemised row of a receipt.
type LineItem struct {
	Identity
	ItemIndex  int       `json:"item_index"`
	Name       *string   `json:"item_name"`
	Quantity   *float64  `json:"item_qty"`
	UnitPrice  *float64  `json:"item_unit_price"`
	TotalPrice *float64  `json:"item_total_price"`
	Contents   string    `json:"contents"`
	Common     bool      `json:"common"`
	CreatedAt  time.Time `json:"create_date"`
	UpdatedAt  time.Time `json:"update_date"`
}

// NewFailureSummary builds a summary with every extracted field null.
func NewFailureSummary(id Identity, common bool, code Code, message, attachRef string, now time.Time) SummaryRecord {
	return SummaryRecord{
		Identity:      id,
		Common:        common,
		AttachRef:     attachRef,
		ResultCode:    code,
		ResultMessage: message,
		CreatedAt:     now,
		UpdatedAt:     now,
		Items:         []LineItem{},
	}
}
