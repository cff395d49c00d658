// Package dedup remembers which call lifecycle notifications were already
// processed so that redelivered webhooks become no-ops.
package dedup

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultRetention     = 6 * time.Hour
	DefaultPurgeInterval = 10 * time.Minute
)

type key struct {
	callID string
	status string
}

// Ledger is a concurrency-safe set of (call id, status) pairs with a
// retention window. Expiry only ever turns a duplicate into a "new" event,
// never the other way round, so retention must outlive the longest call.
type Ledger struct {
	retention     time.Duration
	purgeInterval time.Duration
	now           func() time.Time

	mu      sync.Mutex
	entries map[key]time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

func WithPurgeInterval(d time.Duration) Option {
	return func(l *Ledger) {
		l.purgeInterval = d
	}
}

// New returns an empty Ledger. A non-positive retention falls back to
// DefaultRetention.
func New(retention time.Duration, opts ...Option) *Ledger {
	if retention <= 0 {
		retention = DefaultRetention
	}
	l := &Ledger{
		retention:     retention,
		purgeInterval: DefaultPurgeInterval,
		now:           time.Now,
		entries:       make(map[key]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.purgeInterval <= 0 {
		l.purgeInterval = DefaultPurgeInterval
	}
	return l
}

// Seen records (callID, status) and reports whether it had already been
// recorded within the retention window. The first observation returns false;
// every later one returns true and should be skipped by the caller.
func (l *Ledger) Seen(callID, status string) bool {
	k := key{callID: callID, status: status}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if first, ok := l.entries[k]; ok && now.Sub(first) < l.retention {
		return true
	}
	l.entries[k] = now
	return false
}

// Contains reports whether (callID, status) was recorded within the
// retention window without recording it.
func (l *Ledger) Contains(callID, status string) bool {
	k := key{callID: callID, status: status}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	first, ok := l.entries[k]
	return ok && now.Sub(first) < l.retention
}

// Purge drops entries older than the retention window and returns how many
// were removed.
func (l *Ledger) Purge(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, first := range l.entries {
		if now.Sub(first) >= l.retention {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of retained entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Run purges on a fixed cadence until ctx is canceled. onPurge, when set, is
// called after each sweep with the number of removed and retained entries.
func (l *Ledger) Run(ctx context.Context, onPurge func(removed, retained int)) {
	ticker := time.NewTicker(l.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := l.Purge(l.now())
			if onPurge != nil {
				onPurge(removed, l.Len())
			}
		}
	}
}
