package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryLedger is the in-memory Ledger used for local development and
// tests. Entries are bucketed per UTC day, mirroring the one-collection-
// per-day persistence layout.
type MemoryLedger struct {
	mu   sync.RWMutex
	days map[string][]Entry
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{days: make(map[string][]Entry)}
}

// Append records an entry in its UTC-day bucket.
func (l *MemoryLedger) Append(_ context.Context, entry Entry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	day := DayWindow(entry.Timestamp)
	l.days[day] = append(l.days[day], entry)
	return nil
}

// SpentInWindow sums confirmed micro-USD spend for a chain in a window.
func (l *MemoryLedger) SpentInWindow(_ context.Context, chainID int64, window string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total int64
	for _, e := range l.days[window] {
		if e.Outcome != OutcomeConfirmed || e.ChainID != chainID {
			continue
		}
		total += e.ValueUSD
	}
	return total, nil
}

// Recent returns up to limit entries, newest first.
func (l *MemoryLedger) Recent(_ context.Context, limit int) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var all []Entry
	for _, entries := range l.days {
		all = append(all, entries...)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Timestamp.After(all[j].Timestamp)
	})

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
