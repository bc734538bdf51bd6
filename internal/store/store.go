// Package store persists summary and line item rows and reads the upstream
// source table.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MeKo-Tech/recrop/internal/receipt"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
	DriverBolt     = "bolt"
	DriverMemory   = "memory"
)

// LoadDateLayout is the format of LOAD_DATE values.
const LoadDateLayout = "20060102"

// ErrNotFound is returned when a summary does not exist.
var ErrNotFound = errors.New("record not found")

// Persister is the sink the pipeline writes to.
type Persister interface {
	InsertSummary(ctx context.Context, s receipt.SummaryRecord) error
	InsertLineItems(ctx context.Context, items []receipt.LineItem) error
}

// Pruner drops the rows of one record whose key a rerun no longer produces,
// such as receipt 3 of a page that now yields two receipts.
type Pruner interface {
	PruneRecord(ctx context.Context, containerID string, lineIndex int, keep []Key) error
}

// Store is a Persister that can also read work and results back.
type Store interface {
	Persister
	Pruner
	EnsureSchema(ctx context.Context) error
	InsertSource(ctx context.Context, row SourceRow) error
	SourceRecords(ctx context.Context, loadDate string) ([]receipt.InputRecord, error)
	Summary(ctx context.Context, key Key) (receipt.SummaryRecord, error)
	Close() error
}

// Config selects and tunes the backend.
type Config struct {
	Driver          string
	DSN             string
	BoltPath        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig uses a local SQLite file.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		DSN:             "recrop.db",
		BoltPath:        "recrop.bolt",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Open builds the store selected by config.Driver.
func Open(ctx context.Context, config Config, logger *slog.Logger) (Store, error) {
	switch config.Driver {
	case DriverPostgres, DriverSQLite:
		return OpenSQL(ctx, config, logger)
	case DriverBolt:
		return OpenBolt(config.BoltPath, logger)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", config.Driver)
	}
}

// Key is the unique key of a summary row.
type Key struct {
	ContainerID  string
	LineIndex    int
	ReceiptIndex int
	Common       bool
}

// KeyOf builds the key for an identity.
func KeyOf(id receipt.Identity, common bool) Key {
	return Key{ContainerID: id.ContainerID, LineIndex: id.LineIndex, ReceiptIndex: id.ReceiptIndex, Common: common}
}

// Identity drops the common flag.
func (k Key) Identity() receipt.Identity {
	return receipt.Identity{ContainerID: k.ContainerID, LineIndex: k.LineIndex, ReceiptIndex: k.ReceiptIndex}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%d/%s", k.ContainerID, k.LineIndex, k.ReceiptIndex, YN(k.Common))
}

func keySet(keys []Key) map[Key]bool {
	set := make(map[Key]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}

// YN renders a flag the way the COMMON_YN column stores it.
func YN(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}

// SourceRow is one row of LDCOM_CARDFILE_LOG.
type SourceRow struct {
	SystemID     string
	FIID         string
	Seq          int
	Gubun        string
	ApprovedDate string
	ProofSumKRW  *float64
	AttachFile   string
	FilePath     string
	LoadDate     string
	LoadTime     string
}

// InputRecord maps the row onto pipeline input. ATTACH_FILE is the
// single-receipt source and FILE_PATH the shared page.
func (r SourceRow) InputRecord() receipt.InputRecord {
	rec := receipt.InputRecord{
		ContainerID: r.FIID,
		LineIndex:   r.Seq,
		Category:    r.Gubun,
	}
	if r.AttachFile != "" {
		rec.Sources = append(rec.Sources, receipt.Source{Kind: receipt.SourceSingle, Location: r.AttachFile})
	}
	if r.FilePath != "" {
		rec.Sources = append(rec.Sources, receipt.Source{Kind: receipt.SourceShared, Location: r.FilePath})
	}
	return rec
}

// Yesterday returns the default LOAD_DATE relative to now.
func Yesterday(now time.Time) string {
	return now.AddDate(0, 0, -1).Format(LoadDateLayout)
}

// ValidateLoadDate checks the YYYYMMDD format.
func ValidateLoadDate(s string) error {
	if _, err := time.Parse(LoadDateLayout, s); err != nil {
		return fmt.Errorf("invalid load date %q (want YYYYMMDD): %w", s, err)
	}
	return nil
}
