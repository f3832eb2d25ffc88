package audit

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity is the ring's default entry count (spec.md §4.6).
const DefaultCapacity = 10000

// Ring is a bounded, append-only audit log. Writes hold a single mutex
// for the duration of the append (spec.md §5 "mutation ... holds
// exclusive access for the duration of ... ring append"); reads copy
// out from under a read lock and then filter/sort/paginate lock-free.
type Ring struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	next     int // index to overwrite once full
	full     bool
	nextID   atomic.Uint64
}

// NewRing builds a ring with the given capacity, defaulting to
// DefaultCapacity when capacity <= 0.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{entries: make([]Entry, 0, capacity), capacity: capacity}
}

// Append redacts e.Args and records it, assigning the next monotonic id
// and, if unset, the current timestamp. Once the ring is at capacity,
// each append overwrites the oldest entry.
func (r *Ring) Append(e Entry) Entry {
	e.ID = r.nextID.Add(1)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Args = Redact(e.Args)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) < r.capacity {
		r.entries = append(r.entries, e)
		return e
	}
	r.entries[r.next] = e
	r.next = (r.next + 1) % r.capacity
	r.full = true
	return e
}

// snapshot copies the ring's current contents in insertion order.
func (r *Ring) snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full {
		out := make([]Entry, len(r.entries))
		copy(out, r.entries)
		return out
	}
	out := make([]Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

// Read returns filtered entries sorted descending by timestamp, with
// pagination applied last.
func (r *Ring) Read(filter Filter, page Page) []Entry {
	entries := r.snapshot()
	filtered := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if filter.matches(e) {
			filtered = append(filtered, e)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.After(filtered[j].Timestamp)
	})

	if page.Offset > 0 {
		if page.Offset >= len(filtered) {
			return nil
		}
		filtered = filtered[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(filtered) {
		filtered = filtered[:page.Limit]
	}
	return filtered
}

// Len reports the current number of entries held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Capacity returns the ring's configured maximum size.
func (r *Ring) Capacity() int { return r.capacity }
