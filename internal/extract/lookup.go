package extract

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Header columns of a merchant lookup file.
const (
	lookupOriginal   = "original_name"
	lookupNormalized = "normalized_name"
)

// LoadMerchantLookup reads a CSV file mapping recognised merchant names to
// their normalized spelling. The header must name the original_name and
// normalized_name columns; other columns are ignored. Later rows win.
func LoadMerchantLookup(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open merchant lookup: %w", err)
	}
	defer func() { _ = f.Close() }()

	lookup, err := ReadMerchantLookup(f)
	if err != nil {
		return nil, fmt.Errorf("merchant lookup %s: %w", path, err)
	}
	return lookup, nil
}

// ReadMerchantLookup parses a merchant lookup table from r.
func ReadMerchantLookup(r io.Reader) (map[string]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty lookup table")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	from, to := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")) {
		case lookupOriginal:
			from = i
		case lookupNormalized:
			to = i
		}
	}
	if from < 0 || to < 0 {
		return nil, fmt.Errorf("header must contain %s and %s", lookupOriginal, lookupNormalized)
	}

	lookup := make(map[string]string)
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return lookup, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		if from >= len(row) || to >= len(row) {
			continue
		}
		key := clean(row[from])
		val := clean(row[to])
		if key == nil || val == nil {
			continue
		}
		lookup[*key] = *val
	}
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMerchantLookup replaces a recognised merchant name found in lookup
// with its normalized spelling. Names are matched exactly after the same
// cleanup the extractor applies to every text field.
func WithMerchantLookup(lookup map[string]string) Option {
	return func(e *Extractor) { e.merchants = lookup }
}

func (e *Extractor) normalizeMerchant(name *string) *string {
	if name == nil || len(e.merchants) == 0 {
		return name
	}
	if v, ok := e.merchants[*name]; ok {
		return &v
	}
	return name
}
