package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	b := &Backoff{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  5,
	}

	tests := []struct {
		failure int
		want    time.Duration
		ok      bool
	}{
		{1, 10 * time.Millisecond, true},
		{2, 20 * time.Millisecond, true},
		{3, 40 * time.Millisecond, true},
		{4, 50 * time.Millisecond, true},
		{5, 50 * time.Millisecond, true},
		{6, 0, false},
	}

	for _, tt := range tests {
		got, ok := b.Delay(tt.failure)
		assert.Equal(t, tt.ok, ok, "failure %d", tt.failure)
		assert.Equal(t, tt.want, got, "failure %d", tt.failure)
	}
}

func TestBackoffZeroValue(t *testing.T) {
	var b Backoff

	d, ok := b.Delay(1)
	assert.True(t, ok)
	assert.Equal(t, 5*time.Millisecond, d)

	d, ok = b.Delay(1000)
	assert.True(t, ok, "zero MaxAttempts retries forever")
	assert.Equal(t, time.Second, d)

	d, _ = b.Delay(0)
	assert.Equal(t, 5*time.Millisecond, d, "failure below 1 is treated as the first")
}

func TestBackoffJitter(t *testing.T) {
	b := &Backoff{InitialDelay: 100 * time.Millisecond, Jitter: true}

	for i := 0; i < 50; i++ {
		d, ok := b.Delay(1)
		assert.True(t, ok)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}

func TestDefaultBackoff(t *testing.T) {
	b := DefaultBackoff()

	_, ok := b.Delay(b.MaxAttempts)
	assert.True(t, ok)
	_, ok = b.Delay(b.MaxAttempts + 1)
	assert.False(t, ok)
}
