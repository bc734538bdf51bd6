package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/MeKo-Tech/recrop/internal/receipt"
)

// Memory is an in-process Store for tests and dry runs.
type Memory struct {
	mu        sync.Mutex
	summaries map[Key]receipt.SummaryRecord
	items     map[Key]map[int]receipt.LineItem
	sources   []SourceRow
	writes    int
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		summaries: make(map[Key]receipt.SummaryRecord),
		items:     make(map[Key]map[int]receipt.LineItem),
	}
}

func (m *Memory) EnsureSchema(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// InsertSummary upserts by key, keeping the first CreatedAt. Line items of
// the previous row are dropped.
func (m *Memory) InsertSummary(ctx context.Context, s receipt.SummaryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := KeyOf(s.Identity, s.Common)
	if prev, ok := m.summaries[key]; ok {
		s.CreatedAt = prev.CreatedAt
	}
	s.Items = nil
	m.summaries[key] = s
	delete(m.items, key)
	m.writes++
	return nil
}

// PruneRecord deletes the summaries and items of the record whose key is
// not in keep.
func (m *Memory) PruneRecord(ctx context.Context, containerID string, lineIndex int, keep []Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kept := keySet(keep)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.summaries {
		if key.ContainerID == containerID && key.LineIndex == lineIndex && !kept[key] {
			delete(m.summaries, key)
		}
	}
	for key := range m.items {
		if key.ContainerID == containerID && key.LineIndex == lineIndex && !kept[key] {
			delete(m.items, key)
		}
	}
	return nil
}

// InsertLineItems upserts by key and item index.
func (m *Memory) InsertLineItems(ctx context.Context, items []receipt.LineItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		key := KeyOf(it.Identity, it.Common)
		if m.items[key] == nil {
			m.items[key] = make(map[int]receipt.LineItem)
		}
		m.items[key][it.ItemIndex] = it
	}
	return nil
}

func (m *Memory) InsertSource(_ context.Context, row SourceRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, row)
	return nil
}

func (m *Memory) SourceRecords(_ context.Context, loadDate string) ([]receipt.InputRecord, error) {
	if err := ValidateLoadDate(loadDate); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []receipt.InputRecord
	for _, row := range m.sources {
		if row.LoadDate == loadDate {
			out = append(out, row.InputRecord())
		}
	}
	return out, nil
}

func (m *Memory) Summary(_ context.Context, key Key) (receipt.SummaryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[key]
	if !ok {
		return receipt.SummaryRecord{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	s.Items = m.itemsLocked(key)
	return s, nil
}

// Summaries returns every stored summary ordered by key.
func (m *Memory) Summaries() []receipt.SummaryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]receipt.SummaryRecord, 0, len(m.summaries))
	for key, s := range m.summaries {
		s.Items = m.itemsLocked(key)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return lessKey(KeyOf(out[i].Identity, out[i].Common), KeyOf(out[j].Identity, out[j].Common))
	})
	return out
}

// Writes counts InsertSummary calls, including overwrites.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *Memory) itemsLocked(key Key) []receipt.LineItem {
	byIndex := m.items[key]
	out := make([]receipt.LineItem, 0, len(byIndex))
	for _, it := range byIndex {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemIndex < out[j].ItemIndex })
	return out
}

func lessKey(a, b Key) bool {
	if a.ContainerID != b.ContainerID {
		return a.ContainerID < b.ContainerID
	}
	if a.LineIndex != b.LineIndex {
		return a.LineIndex < b.LineIndex
	}
	if a.ReceiptIndex != b.ReceiptIndex {
		return a.ReceiptIndex < b.ReceiptIndex
	}
	return !a.Common && b.Common
}
