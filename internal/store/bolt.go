package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/MeKo-Tech/recrop/internal/receipt"
	"go.etcd.io/bbolt"
)

const (
	summaryBucket = "summaries"
	itemBucket    = "line_items"
	sourceBucket  = "sources"
)

// BoltStore keeps rows in an embedded bbolt file. Values are JSON.
type BoltStore struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// OpenBolt opens or creates the database file.
func OpenBolt(path string, logger *slog.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}
	s := &BoltStore{db: db, logger: logger}
	if err := s.EnsureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the buckets.
func (b *BoltStore) EnsureSchema(context.Context) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{summaryBucket, itemBucket, sourceBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("creating buckets: %w", err)
	}
	return nil
}

func (b *BoltStore) Close() error { return b.db.Close() }

func summaryKey(k Key) []byte {
	return []byte(k.String())
}

func itemKey(k Key, idx int) []byte {
	return []byte(fmt.Sprintf("%s/%06d", k, idx))
}

// InsertSummary upserts by key, keeping the first CreatedAt. Line items of
// the previous row are dropped in the same transaction.
func (b *BoltStore) InsertSummary(_ context.Context, s receipt.SummaryRecord) error {
	key := KeyOf(s.Identity, s.Common)
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(summaryBucket))
		if prev := bucket.Get(summaryKey(key)); prev != nil {
			var old receipt.SummaryRecord
			if err := json.Unmarshal(prev, &old); err == nil {
				s.CreatedAt = old.CreatedAt
			}
		}
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshaling summary: %w", err)
		}
		if err := bucket.Put(summaryKey(key), data); err != nil {
			return err
		}
		return deletePrefix(tx.Bucket([]byte(itemBucket)), []byte(key.String()+"/"), nil)
	})
}

// PruneRecord deletes the summaries and items of one record whose key is
// not in keep.
func (b *BoltStore) PruneRecord(_ context.Context, containerID string, lineIndex int, keep []Key) error {
	kept := keySet(keep)
	prefix := []byte(fmt.Sprintf("%s/%d/", containerID, lineIndex))
	stale := func(v []byte) (bool, error) {
		var row struct {
			receipt.Identity
			Common bool `json:"common"`
		}
		if err := json.Unmarshal(v, &row); err != nil {
			return false, fmt.Errorf("unmarshaling row: %w", err)
		}
		return !kept[KeyOf(row.Identity, row.Common)], nil
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := deletePrefix(tx.Bucket([]byte(summaryBucket)), prefix, stale); err != nil {
			return err
		}
		return deletePrefix(tx.Bucket([]byte(itemBucket)), prefix, stale)
	})
}

// deletePrefix removes the keys under prefix for which match reports true.
// A nil match removes them all.
func deletePrefix(bucket *bbolt.Bucket, prefix []byte, match func(v []byte) (bool, error)) error {
	var doomed [][]byte
	c := bucket.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if match != nil {
			ok, err := match(v)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
		}
		doomed = append(doomed, append([]byte(nil), k...))
	}
	for _, k := range doomed {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// InsertLineItems upserts every item in one transaction.
func (b *BoltStore) InsertLineItems(_ context.Context, items []receipt.LineItem) error {
	if len(items) == 0 {
		return nil
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(itemBucket))
		for _, it := range items {
			data, err := json.Marshal(it)
			if err != nil {
				return fmt.Errorf("marshaling item: %w", err)
			}
			if err := bucket.Put(itemKey(KeyOf(it.Identity, it.Common), it.ItemIndex), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertSource stores a source row under its load date.
func (b *BoltStore) InsertSource(_ context.Context, row SourceRow) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshaling source row: %w", err)
		}
		bucket := tx.Bucket([]byte(sourceBucket))
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		return bucket.Put([]byte(fmt.Sprintf("%s/%s/%06d/%08d", row.LoadDate, row.FIID, row.Seq, seq)), data)
	})
}

// SourceRecords scans the rows loaded on loadDate in key order.
func (b *BoltStore) SourceRecords(_ context.Context, loadDate string) ([]receipt.InputRecord, error) {
	if err := ValidateLoadDate(loadDate); err != nil {
		return nil, err
	}
	prefix := []byte(loadDate + "/")
	var out []receipt.InputRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(sourceBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var row SourceRow
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("unmarshaling source row: %w", err)
			}
			out = append(out, row.InputRecord())
		}
		return nil
	})
	return out, err
}

// Summary reads a summary and its items.
func (b *BoltStore) Summary(_ context.Context, key Key) (receipt.SummaryRecord, error) {
	var s receipt.SummaryRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(summaryBucket)).Get(summaryKey(key))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("unmarshaling summary: %w", err)
		}
		s.Identity = key.Identity()
		s.Common = key.Common

		s.Items = []receipt.LineItem{}
		prefix := []byte(key.String() + "/")
		c := tx.Bucket([]byte(itemBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var it receipt.LineItem
			if err := json.Unmarshal(v, &it); err != nil {
				return fmt.Errorf("unmarshaling item: %w", err)
			}
			s.Items = append(s.Items, it)
		}
		return nil
	})
	return s, err
}
