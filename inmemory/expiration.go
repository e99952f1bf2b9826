package inmemory

import (
	"time"

	"github.com/sharedcode/treelock"
)

// lockEntry is a live lock tracked by the cluster.
type lockEntry struct {
	lock      treelock.Lock
	sessionID treelock.UUID
	keys      []*treelock.LockKey

	// Position of the entry in the expiration heap.
	index int
}

func (e *lockEntry) expiresAt() time.Time {
	return e.lock.ExpiresAt
}

// expirationHeap is a min-heap of lock entries sorted by expiry, so the sweep only looks at
// the front. Implements heap.Interface.
type expirationHeap []*lockEntry

func (h expirationHeap) Len() int { return len(h) }

func (h expirationHeap) Less(i, j int) bool {
	return h[i].expiresAt().Before(h[j].expiresAt())
}

func (h expirationHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expirationHeap) Push(x any) {
	e := x.(*lockEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *expirationHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil // Avoid memory leak.
	e.index = -1   // Mark as removed.
	*h = old[0 : n-1]
	return e
}
