package albion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObserverNeedsMinimumSamples(t *testing.T) {
	o := NewRateLimitObserver(100, 0.3)

	// Nine limited responses are still below the sample floor.
	for range 9 {
		o.Record(true)
	}
	assert.False(t, o.ShouldSlowDown())

	o.Record(true)
	assert.True(t, o.ShouldSlowDown())
}

func TestObserverThreshold(t *testing.T) {
	o := NewRateLimitObserver(100, 0.3)

	// 20 outcomes, 25% limited: below the 30% trigger.
	for i := range 20 {
		o.Record(i%4 == 0)
	}
	assert.False(t, o.ShouldSlowDown())

	// Push the ratio past the threshold.
	for range 10 {
		o.Record(true)
	}
	assert.True(t, o.ShouldSlowDown())
}

func TestObserverRollsOver(t *testing.T) {
	o := NewRateLimitObserver(10, 0.3)

	for range 10 {
		o.Record(true)
	}
	assert.True(t, o.ShouldSlowDown())

	// A healthy streak displaces the bad outcomes from the window.
	for range 10 {
		o.Record(false)
	}
	assert.False(t, o.ShouldSlowDown())
}

func TestObserverStats(t *testing.T) {
	o := NewRateLimitObserver(10, 0.3)
	o.Record(true)
	o.Record(false)
	o.Record(false)
	o.Record(false)

	stats := o.Stats()
	assert.Equal(t, 1, stats.Limited)
	assert.Equal(t, 4, stats.Total)
	assert.InDelta(t, 0.25, stats.Ratio, 0.001)
	assert.InDelta(t, 0.3, stats.Threshold, 0.001)
}
