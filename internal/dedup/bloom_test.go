package dedup

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterNoFalseNegatives(t *testing.T) {
	f := NewFilter(1000, 0.01)
	for i := 0; i < 1000; i++ {
		item := fmt.Sprintf("call-%d", i)
		f.Add(item)
		assert.True(t, f.MightContain(item), "item %s", item)
	}
}

func TestFilterFalsePositiveRate(t *testing.T) {
	const n = 10000
	f := NewFilter(n, 0.01)
	for i := 0; i < n; i++ {
		f.Add(fmt.Sprintf("present-%d", i))
	}

	falsePositives := 0
	for i := 0; i < n; i++ {
		if f.MightContain(fmt.Sprintf("absent-%d", i)) {
			falsePositives++
		}
	}
	observed := float64(falsePositives) / float64(n)
	// Allow 2x the 1% target for statistical slack.
	assert.LessOrEqual(t, observed, 0.02, "observed FPR %.4f", observed)
}

func TestFilterClear(t *testing.T) {
	f := NewFilter(100, 0.01)
	f.Add("x")
	f.Clear()
	assert.False(t, f.MightContain("x"))
	assert.Equal(t, 0, f.Items())
}

func TestTimedFilterRetention(t *testing.T) {
	t.Run("present in current generation", func(t *testing.T) {
		tf := NewTimedFilter(100, 0.01, 2)
		tf.Add("abc")
		assert.True(t, tf.MightContain("abc"))
	})

	t.Run("survives one rotation", func(t *testing.T) {
		tf := NewTimedFilter(100, 0.01, 2)
		tf.Add("abc")
		tf.Rotate()
		assert.True(t, tf.MightContain("abc"))
	})

	t.Run("expires after all generations rotate", func(t *testing.T) {
		tf := NewTimedFilter(100, 0.01, 2)
		tf.Add("abc")
		tf.Rotate()
		tf.Rotate()
		assert.False(t, tf.MightContain("abc"))
	})
}

func TestTimedFilterClampsGenerations(t *testing.T) {
	tf := NewTimedFilter(100, 0.01, 1)
	assert.Equal(t, 2, tf.Stats().Generations)
}

func TestTimedFilterStats(t *testing.T) {
	tf := NewTimedFilter(100, 0.01, 3)
	tf.Add("a")
	tf.Rotate()
	tf.Add("b")
	s := tf.Stats()
	assert.Equal(t, 2, s.TotalItems)
	assert.Equal(t, 3, s.Generations)
}
