package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := New(5, 30*time.Second)

	for i := 0; i < 4; i++ {
		b.Fail()
		assert.Equal(t, Closed, b.Snapshot().State, "failure %d", i)
	}
	b.Fail()
	assert.Equal(t, Open, b.Snapshot().State)
	assert.False(t, b.CanRequest())
}

func TestBreakerHalfOpenAfterReset(t *testing.T) {
	b := New(2, 20*time.Millisecond)
	b.Fail()
	b.Fail()
	assert.False(t, b.CanRequest())

	time.Sleep(30 * time.Millisecond)

	// First evaluation after the timeout transitions to half-open and allows.
	assert.True(t, b.CanRequest())
	assert.Equal(t, HalfOpen, b.Snapshot().State)
}

func TestBreakerHalfOpenToClosed(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.Fail()
	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.CanRequest())

	b.Success()
	s := b.Snapshot()
	assert.Equal(t, Closed, s.State)
	assert.Equal(t, 0, s.Failures)
}

func TestBreakerHalfOpenReopensOnSingleFailure(t *testing.T) {
	b := New(5, 10*time.Millisecond)
	for i := 0; i < 5; i++ {
		b.Fail()
	}
	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.CanRequest())
	assert.Equal(t, HalfOpen, b.Snapshot().State)

	// One failure while half-open reopens regardless of threshold.
	b.Fail()
	assert.Equal(t, Open, b.Snapshot().State)
	assert.False(t, b.CanRequest())
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := New(3, time.Second)
	b.Fail()
	b.Fail()
	b.Success()
	b.Fail()
	b.Fail()
	assert.Equal(t, Closed, b.Snapshot().State)
}

func TestBreakerClosedAllows(t *testing.T) {
	b := New(5, time.Second)
	assert.True(t, b.CanRequest())
}
