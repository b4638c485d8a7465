package control

import (
	"sync"
	"time"
)

// Ledger records the last invalidation time per content category.
// It is safe for concurrent use.
type Ledger struct {
	mu    sync.RWMutex
	times map[string]time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{times: make(map[string]time.Time)}
}

// Record stores ts as the invalidation time of category, replacing any
// previous value.
func (l *Ledger) Record(category string, ts time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.times[category] = ts
}

// Get returns the invalidation time of category.
func (l *Ledger) Get(category string) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ts, ok := l.times[category]
	return ts, ok
}

// Snapshot returns a copy of every recorded invalidation time.
func (l *Ledger) Snapshot() map[string]time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snapshot := make(map[string]time.Time, len(l.times))
	for k, v := range l.times {
		snapshot[k] = v
	}
	return snapshot
}
