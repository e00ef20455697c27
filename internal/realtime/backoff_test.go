package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_ScheduleDoublesAndCaps(t *testing.T) {
	b := NewBackoff(1*time.Second, 30*time.Second, -1)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.Next(), "attempt %d", i)
	}
	assert.Equal(t, len(want), b.Attempt())
}

func TestBackoff_DelayIsNonDecreasing(t *testing.T) {
	b := NewBackoff(250*time.Millisecond, 10*time.Second, -1)

	prev := time.Duration(0)
	for i := 0; i < 20; i++ {
		d := b.Delay(i)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", i)
		assert.LessOrEqual(t, d, 10*time.Second)
		prev = d
	}
}

func TestBackoff_JitterStaysWithinBounds(t *testing.T) {
	b := NewBackoff(1*time.Second, 30*time.Second, 0.2)

	for i := 0; i < 50; i++ {
		pre := b.Delay(b.Attempt())
		d := b.Next()
		lo := time.Duration(float64(pre) * 0.8)
		hi := time.Duration(float64(pre) * 1.2)
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)
	}
}

func TestBackoff_ResetRestartsSchedule(t *testing.T) {
	b := NewBackoff(1*time.Second, 30*time.Second, -1)

	b.Next()
	b.Next()
	b.Next()
	assert.Equal(t, 3, b.Attempt())

	b.Reset()
	assert.Equal(t, 0, b.Attempt())
	assert.Equal(t, 1*time.Second, b.Next())
}

func TestBackoff_ZeroValuesUseDefaults(t *testing.T) {
	b := NewBackoff(0, 0, 0)

	assert.Equal(t, DefaultBackoffBase, b.Delay(0))
	assert.Equal(t, DefaultBackoffCap, b.Delay(100))
}
