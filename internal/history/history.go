// Package history implements the append-only change-history ledger
// (C4, spec.md §4.4), keyed by LSN and indexed by (table, row id).
package history

import (
	"context"
	"sort"
	"sync"

	"github.com/vibestack/syncd/internal/changeset"
	"github.com/vibestack/syncd/internal/lsn"
)

// Ledger is the C4 contract. Writers = the replication ingester (C5)
// only; readers = the catch-up engine (C7) and live broadcaster (C8).
type Ledger interface {
	// Append adds change to the ledger. Idempotent on change.LSN:
	// appending the same LSN twice is a no-op, not an error.
	Append(ctx context.Context, change changeset.Change) error
	// HeadLSN returns the maximum stored LSN, or lsn.Zero if empty.
	HeadLSN(ctx context.Context) (lsn.LSN, error)
	// ReadAfter returns changes strictly greater than from, ascending
	// by LSN, bounded by limit; limit <= 0 means no bound.
	ReadAfter(ctx context.Context, from lsn.LSN, limit int) ([]changeset.Change, error)
	// TruncateBefore discards ledger entries strictly less than at.
	TruncateBefore(ctx context.Context, at lsn.LSN) error
}

// MemLedger is an in-process Ledger backed by a sorted slice, used by
// tests and by the in-memory engine harness. Safe for concurrent use.
type MemLedger struct {
	mu      sync.RWMutex
	entries []changeset.Change // kept sorted ascending by LSN
	byLSN   map[lsn.LSN]struct{}
}

// NewMemLedger returns an empty in-memory ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{byLSN: map[lsn.LSN]struct{}{}}
}

func (m *MemLedger) Append(_ context.Context, change changeset.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byLSN[change.LSN]; exists {
		return nil
	}
	m.byLSN[change.LSN] = struct{}{}
	idx := sort.Search(len(m.entries), func(i int) bool {
		return lsn.Less(change.LSN, m.entries[i].LSN)
	})
	m.entries = append(m.entries, changeset.Change{})
	copy(m.entries[idx+1:], m.entries[idx:])
	m.entries[idx] = change
	return nil
}

func (m *MemLedger) HeadLSN(_ context.Context) (lsn.LSN, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return lsn.Zero, nil
	}
	return m.entries[len(m.entries)-1].LSN, nil
}

func (m *MemLedger) ReadAfter(_ context.Context, from lsn.LSN, limit int) ([]changeset.Change, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := sort.Search(len(m.entries), func(i int) bool {
		return lsn.Less(from, m.entries[i].LSN)
	})
	end := len(m.entries)
	if limit > 0 && idx+limit < end {
		end = idx + limit
	}
	out := make([]changeset.Change, end-idx)
	copy(out, m.entries[idx:end])
	return out, nil
}

func (m *MemLedger) TruncateBefore(_ context.Context, at lsn.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := sort.Search(len(m.entries), func(i int) bool {
		return !lsn.Less(m.entries[i].LSN, at)
	})
	for _, c := range m.entries[:idx] {
		delete(m.byLSN, c.LSN)
	}
	m.entries = m.entries[idx:]
	return nil
}
