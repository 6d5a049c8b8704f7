package dedup

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestTracker(ttl time.Duration) *Tracker {
	return NewTracker(TrackerConfig{
		TTL:         ttl,
		MaxSize:     100,
		EvictCount:  10,
		Generations: 2,
	})
}

func TestTrackerMarkThenHas(t *testing.T) {
	tr := newTestTracker(time.Hour)

	tr.MarkCallID("X", "X-corr")
	assert.True(t, tr.HasCallID("X"))
	assert.False(t, tr.HasCallID("Y"))

	tr.MarkMessageID("m1")
	assert.True(t, tr.HasMessageID("m1"))
	assert.False(t, tr.HasMessageID("m2"))
}

func TestTrackerTTLExpiry(t *testing.T) {
	tr := newTestTracker(30 * time.Millisecond)

	tr.MarkCallID("X", "c")
	tr.MarkMessageID("m")
	assert.True(t, tr.HasCallID("X"))

	time.Sleep(50 * time.Millisecond)

	assert.False(t, tr.HasCallID("X"))
	assert.False(t, tr.HasMessageID("m"))
	// Expired entry was lazily deleted.
	assert.Equal(t, 0, tr.Size())
}

func TestTrackerCorrelationID(t *testing.T) {
	tr := newTestTracker(time.Hour)
	tr.MarkCallID("ABC", "ABC-123")

	corr, ok := tr.CorrelationID("ABC")
	assert.True(t, ok)
	assert.Equal(t, "ABC-123", corr)

	_, ok = tr.CorrelationID("missing")
	assert.False(t, ok)
}

func TestTrackerSizeBoundedEviction(t *testing.T) {
	tr := NewTracker(TrackerConfig{
		TTL:         time.Hour,
		MaxSize:     50,
		EvictCount:  10,
		Generations: 2,
	})

	for i := 0; i < 51; i++ {
		tr.MarkCallID(fmt.Sprintf("call-%d", i), "c")
	}

	// Crossing MaxSize evicted the EvictCount oldest entries.
	assert.Equal(t, 41, tr.Size())
	assert.False(t, tr.HasCallID("call-0"))
	assert.True(t, tr.HasCallID("call-50"))
}

func TestTrackerRotationExpiresFilter(t *testing.T) {
	tr := newTestTracker(time.Hour)
	tr.MarkCallID("X", "c")

	tr.Rotate()
	tr.Rotate()

	// Once every generation has rotated the filter reports a definite
	// absent, which short-circuits the lookup before the exact map.
	assert.False(t, tr.HasCallID("X"))
}
