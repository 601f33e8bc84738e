package state

import (
	"sync"

	"github.com/chirino/notesync/internal/model"
)

// Counters maintains denormalized note counts per group id and per virtual
// category. Adjustments are optimistic and clamped at zero; Recount replaces
// the virtual-category counts wholesale from authoritative server stats, so
// drift from failed writes is tolerated between recounts rather than treated
// as an invariant violation.
type Counters struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewCounters returns an empty aggregator.
func NewCounters() *Counters {
	return &Counters{counts: map[string]int64{}}
}

// Adjust applies delta to the target (a group id or virtual category),
// clamping at a floor of zero. Counts never go negative even under
// out-of-order adjustments.
func (c *Counters) Adjust(target string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.counts[target] + delta
	if n < 0 {
		n = 0
	}
	c.counts[target] = n
}

// Set seeds or overrides a single count, used when merging fetched groups.
func (c *Counters) Set(target string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < 0 {
		n = 0
	}
	c.counts[target] = n
}

// Recount replaces the virtual-category counts wholesale from a fresh
// server-side count query. Per-group counts are untouched.
func (c *Counters) Recount(stats model.OwnerStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[model.VirtualAll] = max0(stats.All)
	c.counts[model.VirtualPinned] = max0(stats.Pinned)
	c.counts[model.VirtualLocked] = max0(stats.Locked)
}

// Get returns the count for target, zero when unseen.
func (c *Counters) Get(target string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[target]
}

// Lookup returns the count for target and whether it was ever seen.
func (c *Counters) Lookup(target string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.counts[target]
	return n, ok
}

// Forget drops the count for target, used when a group is deleted.
func (c *Counters) Forget(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, target)
}

func max0(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
