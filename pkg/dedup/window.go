// Package dedup keeps a bounded window of recently relayed fingerprints.
package dedup

import (
	"sync"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/canonicalize"
)

// DefaultCapacity is the number of fingerprints remembered when none is configured.
const DefaultCapacity = 50

// Window is a FIFO set of the last N fingerprints. Membership is O(1); inserting into a
// full window evicts the oldest fingerprint. Safe for concurrent use.
type Window struct {
	mu       sync.Mutex
	ring     []canonicalize.Fingerprint
	next     int
	size     int
	members  map[canonicalize.Fingerprint]struct{}
	capacity int
}

func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Window{
		ring:     make([]canonicalize.Fingerprint, capacity),
		members:  make(map[canonicalize.Fingerprint]struct{}, capacity),
		capacity: capacity,
	}
}

// Seen reports whether fp is inside the window.
func (w *Window) Seen(fp canonicalize.Fingerprint) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.members[fp]
	return ok
}

// Record adds fp. Recording a fingerprint already in the window is a no-op.
func (w *Window) Record(fp canonicalize.Fingerprint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.recordLocked(fp)
}

// SeenOrRecord atomically checks for fp and records it when absent. It returns true
// when fp was already present.
func (w *Window) SeenOrRecord(fp canonicalize.Fingerprint) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.members[fp]; ok {
		return true
	}
	w.recordLocked(fp)
	return false
}

func (w *Window) recordLocked(fp canonicalize.Fingerprint) {
	if _, ok := w.members[fp]; ok {
		return
	}
	if w.size == w.capacity {
		delete(w.members, w.ring[w.next])
	} else {
		w.size++
	}
	w.ring[w.next] = fp
	w.members[fp] = struct{}{}
	w.next = (w.next + 1) % w.capacity
}

func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func (w *Window) Capacity() int { return w.capacity }
