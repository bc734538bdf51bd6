package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/MeKo-Tech/recrop/internal/receipt"
	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// SQLStore persists rows in Postgres or SQLite.
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// OpenSQL opens and pings the database.
func OpenSQL(ctx context.Context, config Config, logger *slog.Logger) (*SQLStore, error) {
	if config.DSN == "" {
		return nil, errors.New("database DSN is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dsn := config.DSN
	if config.Driver == DriverSQLite && !strings.Contains(dsn, "_busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_busy_timeout=5000"
	}

	db, err := sql.Open(config.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.Driver == DriverSQLite {
		// A single connection keeps :memory: databases shared and avoids
		// writer lock contention.
		db.SetMaxOpenConns(1)
	} else {
		if config.MaxOpenConns > 0 {
			db.SetMaxOpenConns(config.MaxOpenConns)
		}
		if config.MaxIdleConns > 0 {
			db.SetMaxIdleConns(config.MaxIdleConns)
		}
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewSQL(db, config.Driver, logger), nil
}

// NewSQL wraps an open database handle.
func NewSQL(db *sql.DB, driver string, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{db: db, driver: driver, logger: logger}
}

// DB exposes the handle for tooling.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EnsureSchema creates the tables if they do not exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// InsertSummary upserts the summary row and drops the line items of the
// row it replaces, in one transaction.
func (s *SQLStore) InsertSummary(ctx context.Context, r receipt.SummaryRecord) error {
	key := KeyOf(r.Identity, r.Common)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(deleteItemsSQL), keyArgs(key)...); err != nil {
		return fmt.Errorf("failed to clear items of %s: %w", key, err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(upsertSummarySQL),
		r.ContainerID, r.LineIndex, r.ReceiptIndex, YN(r.Common),
		nullString(r.Category), nullString(r.AttachRef),
		r.Country, r.ReceiptType, r.MerchantName, r.MerchantPhone, r.DeliveryAddress,
		r.TransactionDate, r.TransactionTime,
		r.TotalAmount, r.SubtotalAmount, r.TaxAmount, r.BizNo,
		string(r.ResultCode), r.ResultMessage, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert summary %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit summary %s: %w", key, err)
	}
	return nil
}

// PruneRecord deletes the summary and item rows of one record whose key is
// not in keep.
func (s *SQLStore) PruneRecord(ctx context.Context, containerID string, lineIndex int, keep []Key) error {
	kept := keySet(keep)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, s.rebind(selectRecordKeysSQL), containerID, lineIndex, containerID, lineIndex)
	if err != nil {
		return fmt.Errorf("failed to list rows of %s/%d: %w", containerID, lineIndex, err)
	}
	var stale []Key
	for rows.Next() {
		var (
			idx int
			yn  string
		)
		if err := rows.Scan(&idx, &yn); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan row key: %w", err)
		}
		key := Key{ContainerID: containerID, LineIndex: lineIndex, ReceiptIndex: idx, Common: yn == "Y"}
		if !kept[key] {
			stale = append(stale, key)
		}
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("failed to close row keys: %w", err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to list rows of %s/%d: %w", containerID, lineIndex, err)
	}

	for _, key := range stale {
		if _, err := tx.ExecContext(ctx, s.rebind(deleteItemsSQL), keyArgs(key)...); err != nil {
			return fmt.Errorf("failed to delete items of %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(deleteSummarySQL), keyArgs(key)...); err != nil {
			return fmt.Errorf("failed to delete summary %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit prune of %s/%d: %w", containerID, lineIndex, err)
	}
	if len(stale) > 0 {
		s.logger.Debug("pruned stale rows", "container_id", containerID, "line_index", lineIndex, "rows", len(stale))
	}
	return nil
}

func keyArgs(k Key) []any {
	return []any{k.ContainerID, k.LineIndex, k.ReceiptIndex, YN(k.Common)}
}

// InsertLineItems upserts all items in one transaction.
func (s *SQLStore) InsertLineItems(ctx context.Context, items []receipt.LineItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.rebind(upsertItemSQL))
	if err != nil {
		return fmt.Errorf("failed to prepare item insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, it := range items {
		_, err := stmt.ExecContext(ctx,
			it.ContainerID, it.LineIndex, it.ReceiptIndex, YN(it.Common), it.ItemIndex,
			it.Name, it.Quantity, it.UnitPrice, it.TotalPrice, it.Contents,
			it.CreatedAt, it.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert item %d of %s: %w", it.ItemIndex, KeyOf(it.Identity, it.Common), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit items: %w", err)
	}
	return nil
}

// InsertSource adds one row to the source table.
func (s *SQLStore) InsertSource(ctx context.Context, r SourceRow) error {
	_, err := s.db.ExecContext(ctx, s.rebind(insertSourceSQL),
		nullString(r.SystemID), r.FIID, r.Seq, nullString(r.Gubun), nullString(r.ApprovedDate),
		r.ProofSumKRW, nullString(r.AttachFile), nullString(r.FilePath), r.LoadDate, nullString(r.LoadTime),
	)
	if err != nil {
		return fmt.Errorf("failed to insert source row %s/%d: %w", r.FIID, r.Seq, err)
	}
	return nil
}

// SourceRecords returns the input records loaded on loadDate.
func (s *SQLStore) SourceRecords(ctx context.Context, loadDate string) ([]receipt.InputRecord, error) {
	if err := ValidateLoadDate(loadDate); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(selectSourcesSQL), loadDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query source rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []receipt.InputRecord
	for rows.Next() {
		var (
			row                     SourceRow
			system, gubun, appr     sql.NullString
			attach, path, ld, ltime sql.NullString
			proof                   sql.NullFloat64
		)
		if err := rows.Scan(&system, &row.FIID, &row.Seq, &gubun, &appr, &proof, &attach, &path, &ld, &ltime); err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		row.SystemID, row.Gubun, row.ApprovedDate = system.String, gubun.String, appr.String
		row.AttachFile, row.FilePath, row.LoadDate, row.LoadTime = attach.String, path.String, ld.String, ltime.String
		if proof.Valid {
			row.ProofSumKRW = &proof.Float64
		}
		out = append(out, row.InputRecord())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read source rows: %w", err)
	}
	s.logger.Debug("loaded source rows", "load_date", loadDate, "count", len(out))
	return out, nil
}

// Summary reads a summary row and its items.
func (s *SQLStore) Summary(ctx context.Context, key Key) (receipt.SummaryRecord, error) {
	var (
		r                                 receipt.SummaryRecord
		category, attach                  sql.NullString
		country, rtype, name, phone, addr sql.NullString
		tdate, ttime, bizNo               sql.NullString
		total, subtotal, tax              sql.NullFloat64
		code, message                     string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(selectSummarySQL),
		key.ContainerID, key.LineIndex, key.ReceiptIndex, YN(key.Common),
	).Scan(&category, &attach, &country, &rtype, &name, &phone, &addr, &tdate, &ttime,
		&total, &subtotal, &tax, &bizNo, &code, &message, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return receipt.SummaryRecord{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return receipt.SummaryRecord{}, fmt.Errorf("failed to read summary %s: %w", key, err)
	}

	r.Identity = key.Identity()
	r.Common = key.Common
	r.Category, r.AttachRef = category.String, attach.String
	r.Country, r.ReceiptType, r.MerchantName = strPtr(country), strPtr(rtype), strPtr(name)
	r.MerchantPhone, r.DeliveryAddress = strPtr(phone), strPtr(addr)
	r.TransactionDate, r.TransactionTime, r.BizNo = strPtr(tdate), strPtr(ttime), strPtr(bizNo)
	r.TotalAmount, r.SubtotalAmount, r.TaxAmount = floatPtr(total), floatPtr(subtotal), floatPtr(tax)
	r.ResultCode, r.ResultMessage = receipt.Code(code), message

	items, err := s.items(ctx, key)
	if err != nil {
		return receipt.SummaryRecord{}, err
	}
	r.Items = items
	return r, nil
}

func (s *SQLStore) items(ctx context.Context, key Key) ([]receipt.LineItem, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(selectItemsSQL),
		key.ContainerID, key.LineIndex, key.ReceiptIndex, YN(key.Common))
	if err != nil {
		return nil, fmt.Errorf("failed to query items of %s: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	items := []receipt.LineItem{}
	for rows.Next() {
		var (
			it             receipt.LineItem
			name, contents sql.NullString
			qty, unit, tot sql.NullFloat64
		)
		if err := rows.Scan(&it.ItemIndex, &name, &qty, &unit, &tot, &contents, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		it.Identity = key.Identity()
		it.Common = key.Common
		it.Name, it.Contents = strPtr(name), contents.String
		it.Quantity, it.UnitPrice, it.TotalPrice = floatPtr(qty), floatPtr(unit), floatPtr(tot)
		items = append(items, it)
	}
	return items, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}
