package dedup

import (
	"sort"
	"sync"
	"time"
)

// Tracker records processed call IDs and notification message IDs. Lookups
// hit the bloom filters first: a "definitely absent" answer is returned
// without touching the maps, and filter false positives are eliminated by
// the exact maps, which also provide precise TTL expiry. The maps are
// size-bounded: exceeding MaxSize evicts the oldest entries regardless of
// TTL, as a backstop against unbounded growth.
type Tracker struct {
	mu         sync.Mutex
	callIDs    map[string]callEntry
	messageIDs map[string]time.Time

	callFilter    *TimedFilter
	messageFilter *TimedFilter

	ttl        time.Duration
	maxSize    int
	evictCount int
}

type callEntry struct {
	ts            time.Time
	correlationID string
}

// TrackerConfig sizes a Tracker.
type TrackerConfig struct {
	TTL               time.Duration
	MaxSize           int
	EvictCount        int
	FalsePositiveRate float64
	Generations       int
}

// NewTracker creates a Tracker with bloom filters sized for MaxSize items
// per rotation window.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10000
	}
	if cfg.EvictCount <= 0 {
		cfg.EvictCount = cfg.MaxSize / 10
	}
	if cfg.FalsePositiveRate <= 0 {
		cfg.FalsePositiveRate = 0.01
	}
	return &Tracker{
		callIDs:       make(map[string]callEntry),
		messageIDs:    make(map[string]time.Time),
		callFilter:    NewTimedFilter(cfg.MaxSize, cfg.FalsePositiveRate, cfg.Generations),
		messageFilter: NewTimedFilter(cfg.MaxSize, cfg.FalsePositiveRate, cfg.Generations),
		ttl:           cfg.TTL,
		maxSize:       cfg.MaxSize,
		evictCount:    cfg.EvictCount,
	}
}

// MarkCallID records a processed call with its correlation ID. The mark is
// committed synchronously: once MarkCallID returns, HasCallID observes it.
func (t *Tracker) MarkCallID(callID, correlationID string) {
	t.callFilter.Add(callID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callIDs[callID] = callEntry{ts: time.Now(), correlationID: correlationID}
	t.evictCallsLocked()
}

// MarkMessageID records a processed notification message.
func (t *Tracker) MarkMessageID(messageID string) {
	t.messageFilter.Add(messageID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageIDs[messageID] = time.Now()
	t.evictMessagesLocked()
}

// HasCallID reports whether the call was processed within the TTL.
// Expired entries are deleted lazily.
func (t *Tracker) HasCallID(callID string) bool {
	if !t.callFilter.MightContain(callID) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.callIDs[callID]
	if !ok {
		return false
	}
	if time.Since(entry.ts) > t.ttl {
		delete(t.callIDs, callID)
		return false
	}
	return true
}

// HasMessageID reports whether the message was processed within the TTL.
func (t *Tracker) HasMessageID(messageID string) bool {
	if !t.messageFilter.MightContain(messageID) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.messageIDs[messageID]
	if !ok {
		return false
	}
	if time.Since(ts) > t.ttl {
		delete(t.messageIDs, messageID)
		return false
	}
	return true
}

// CorrelationID returns the correlation ID recorded for a call, if present
// and unexpired.
func (t *Tracker) CorrelationID(callID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.callIDs[callID]
	if !ok || time.Since(entry.ts) > t.ttl {
		return "", false
	}
	return entry.correlationID, true
}

// Rotate advances both bloom filters by one generation.
func (t *Tracker) Rotate() {
	t.callFilter.Rotate()
	t.messageFilter.Rotate()
}

// Size returns the number of tracked call IDs.
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.callIDs)
}

// FilterStats returns bloom-filter statistics for the call-ID filter.
func (t *Tracker) FilterStats() TimedStats {
	return t.callFilter.Stats()
}

// evictCallsLocked drops the evictCount oldest call entries once the map
// exceeds maxSize. O(n log n) over a bounded map; acceptable and rare.
func (t *Tracker) evictCallsLocked() {
	if len(t.callIDs) <= t.maxSize {
		return
	}
	type kv struct {
		id string
		ts time.Time
	}
	entries := make([]kv, 0, len(t.callIDs))
	for id, e := range t.callIDs {
		entries = append(entries, kv{id, e.ts})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts.Before(entries[j].ts) })
	for i := 0; i < t.evictCount && i < len(entries); i++ {
		delete(t.callIDs, entries[i].id)
	}
}

func (t *Tracker) evictMessagesLocked() {
	if len(t.messageIDs) <= t.maxSize {
		return
	}
	type kv struct {
		id string
		ts time.Time
	}
	entries := make([]kv, 0, len(t.messageIDs))
	for id, ts := range t.messageIDs {
		entries = append(entries, kv{id, ts})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts.Before(entries[j].ts) })
	for i := 0; i < t.evictCount && i < len(entries); i++ {
		delete(t.messageIDs, entries[i].id)
	}
}
