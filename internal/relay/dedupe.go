package relay

import (
	"log/slog"
	"sync"
	"time"
)

// dedupe remembers event and message ids for a TTL. The in-memory map
// answers first; the optional store makes the memory survive restarts.
type dedupe struct {
	ttl   time.Duration
	store Store

	mu   sync.Mutex
	seen map[string]time.Time
	hits int
}

func newDedupe(ttl time.Duration, store Store) *dedupe {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &dedupe{ttl: ttl, store: store, seen: map[string]time.Time{}}
}

// Seen marks key and reports whether it was already marked within the TTL.
func (d *dedupe) Seen(key string, now time.Time) bool {
	if key == "" {
		return false
	}
	d.mu.Lock()
	d.hits++
	if d.hits%100 == 0 {
		d.pruneLocked(now)
	}
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		d.mu.Unlock()
		return true
	}
	d.seen[key] = now
	d.mu.Unlock()

	if d.store == nil {
		return false
	}
	seen, err := d.store.SeenKey(key, now, d.ttl)
	if err != nil {
		slog.Warn("dedupe store lookup failed", "key", key, "error", err)
		return false
	}
	return seen
}

func (d *dedupe) pruneLocked(now time.Time) {
	for k, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, k)
		}
	}
}

func (d *dedupe) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
