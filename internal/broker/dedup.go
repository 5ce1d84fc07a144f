package broker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	defaultDedupWindow = 2 * time.Minute
	dedupMaxEntries    = 200_000
)

type dedupEntry struct {
	id      string
	expires time.Time
}

// DedupWindow remembers envelope ids for a bounded time.
// It is only touched by the sequential consume loop but is safe for concurrent use.
//
// The ttl is fixed, so insertion order is expiry order: expired ids are popped from the
// front of the queue and, at capacity, the oldest id is evicted. Both are O(1) per call.
type DedupWindow struct {
	mu         sync.Mutex
	clock      clockwork.Clock
	ttl        time.Duration
	maxEntries int
	seen       map[string]struct{}
	queue      []dedupEntry
	head       int
}

func NewDedupWindow(ttl time.Duration, clock clockwork.Clock) *DedupWindow {
	if ttl <= 0 {
		ttl = defaultDedupWindow
	}
	return &DedupWindow{
		clock:      clock,
		ttl:        ttl,
		maxEntries: dedupMaxEntries,
		seen:       make(map[string]struct{}),
	}
}

// Seen records id and reports whether it was already recorded within the window.
func (w *DedupWindow) Seen(id string) bool {
	now := w.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.expire(now)

	if _, ok := w.seen[id]; ok {
		return true
	}
	for len(w.seen) >= w.maxEntries {
		w.pop()
	}

	w.seen[id] = struct{}{}
	w.queue = append(w.queue, dedupEntry{id: id, expires: now.Add(w.ttl)})
	return false
}

func (w *DedupWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// expire must be called with mu held.
func (w *DedupWindow) expire(now time.Time) {
	for w.head < len(w.queue) && !now.Before(w.queue[w.head].expires) {
		w.pop()
	}
}

// pop drops the oldest entry. Must be called with mu held.
func (w *DedupWindow) pop() {
	e := w.queue[w.head]
	w.queue[w.head] = dedupEntry{}
	w.head++
	delete(w.seen, e.id)

	// reclaim the consumed prefix once it dominates the backing array
	if w.head > 1024 && w.head*2 > len(w.queue) {
		w.queue = append([]dedupEntry(nil), w.queue[w.head:]...)
		w.head = 0
	}
}
