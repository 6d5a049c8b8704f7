// Package dedup implements duplicate detection for noisy at-least-once call
// notifications: a generation-rotated bloom filter for O(1) fast rejection,
// composed with an exact timestamped map for authoritative TTL-bounded
// answers (tracker.go).
package dedup

import (
	"math"
	"sync"
)

// Seeds for the two base hashes used in double hashing.
const (
	seedA = 0x9747b28c
	seedB = 0xc6a4a793
)

// Filter is a classic bloom filter over strings: no false negatives, a
// tunable false-positive rate. Not safe for concurrent use; TimedFilter
// provides the locked, rotating wrapper.
type Filter struct {
	words     []uint64
	size      uint32 // bits
	hashCount int
	items     int
}

// NewFilter sizes the filter for the expected item count and target
// false-positive rate using the standard optimal formulas
// m = ceil(-n*ln(p)/ln(2)^2) and k = ceil(m/n*ln(2)).
func NewFilter(expectedItems int, falsePositiveRate float64) *Filter {
	if expectedItems <= 0 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	ln2 := math.Ln2
	size := uint32(math.Ceil(-float64(expectedItems) * math.Log(falsePositiveRate) / (ln2 * ln2)))
	if size == 0 {
		size = 1
	}
	hashCount := int(math.Ceil(float64(size) / float64(expectedItems) * ln2))
	if hashCount < 1 {
		hashCount = 1
	}
	return &Filter{
		words:     make([]uint64, (size+63)/64),
		size:      size,
		hashCount: hashCount,
	}
}

// hashString is a murmur-inspired seeded string hash.
func hashString(s string, seed uint32) uint32 {
	h := seed
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 0x5bd1e995
		h ^= h >> 15
	}
	return h
}

// positions computes hashCount bit positions via double hashing:
// pos(i) = (h1 + i*h2) mod size.
func (f *Filter) positions(item string, visit func(pos uint32)) {
	h1 := hashString(item, seedA)
	h2 := hashString(item, seedB)
	for i := 0; i < f.hashCount; i++ {
		visit((h1 + uint32(i)*h2) % f.size)
	}
}

// Add inserts an item.
func (f *Filter) Add(item string) {
	f.positions(item, func(pos uint32) {
		f.words[pos/64] |= 1 << (pos % 64)
	})
	f.items++
}

// MightContain returns false only when the item was definitely never added
// within this filter's lifetime; true may be a false positive.
func (f *Filter) MightContain(item string) bool {
	present := true
	f.positions(item, func(pos uint32) {
		if f.words[pos/64]&(1<<(pos%64)) == 0 {
			present = false
		}
	})
	return present
}

// Clear resets the filter to empty.
func (f *Filter) Clear() {
	clear(f.words)
	f.items = 0
}

// Items returns the number of Add calls since the last Clear.
func (f *Filter) Items() int { return f.items }

// EstimatedFalsePositiveRate derives the current FPR from the fill ratio:
// (1 - e^(-k*n/m))^k.
func (f *Filter) EstimatedFalsePositiveRate() float64 {
	fill := float64(f.items) / float64(f.size)
	return math.Pow(1-math.Exp(-float64(f.hashCount)*fill), float64(f.hashCount))
}

// TimedFilter approximates TTL expiry without per-item deletion by keeping
// several filter generations. Add writes only to the current generation;
// MightContain consults all of them, so an item is retained for at most
// generations x rotation-interval. Rotation is driven externally (by the
// server's ticker) via Rotate; the filter owns no timers.
type TimedFilter struct {
	mu      sync.Mutex
	filters []*Filter
	current int
}

// TimedStats summarizes a TimedFilter for observability.
type TimedStats struct {
	TotalItems  int `json:"total_items"`
	Generations int `json:"generations"`
}

// NewTimedFilter creates generations independent filters, each sized for
// expectedItems at the given false-positive rate. Fewer than 2 generations
// is clamped to 2 (a single generation would drop the full retention window
// on every rotation).
func NewTimedFilter(expectedItems int, falsePositiveRate float64, generations int) *TimedFilter {
	if generations < 2 {
		generations = 2
	}
	filters := make([]*Filter, generations)
	for i := range filters {
		filters[i] = NewFilter(expectedItems, falsePositiveRate)
	}
	return &TimedFilter{filters: filters}
}

// Add inserts an item into the current generation.
func (t *TimedFilter) Add(item string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filters[t.current].Add(item)
}

// MightContain returns true if any generation reports a hit.
func (t *TimedFilter) MightContain(item string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.filters {
		if f.MightContain(item) {
			return true
		}
	}
	return false
}

// Rotate advances the current generation pointer and clears the filter that
// becomes current, discarding its oldest window of entries.
func (t *TimedFilter) Rotate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = (t.current + 1) % len(t.filters)
	t.filters[t.current].Clear()
}

// Stats returns combined counts across generations.
func (t *TimedFilter) Stats() TimedStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, f := range t.filters {
		total += f.Items()
	}
	return TimedStats{TotalItems: total, Generations: len(t.filters)}
}
