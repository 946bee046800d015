package conn_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gosuda/airstream/internal/conn"
)

// ---------------------------------------------------------------------------
// Backoff
// ---------------------------------------------------------------------------

func TestBackoff_Delay(t *testing.T) {
	t.Parallel()

	b := conn.Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, Jitter: 0.2}

	for retry := 1; retry <= 6; retry++ {
		lo, hi := b.Bounds(retry)
		for range 50 {
			d := b.Delay(retry)
			assert.GreaterOrEqual(t, d, lo, "retry %d", retry)
			assert.LessOrEqual(t, d, hi, "retry %d", retry)
			assert.LessOrEqual(t, d, b.Max)
		}
	}
}

func TestBackoff_Growth(t *testing.T) {
	t.Parallel()

	b := conn.Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{retry: 0, want: 100 * time.Millisecond},
		{retry: 1, want: 100 * time.Millisecond},
		{retry: 2, want: 200 * time.Millisecond},
		{retry: 3, want: 400 * time.Millisecond},
		{retry: 4, want: 800 * time.Millisecond},
		{retry: 5, want: time.Second},
		{retry: 10, want: time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.retry), "retry %d", tt.retry)
	}
}

func TestDefaultBackoff(t *testing.T) {
	t.Parallel()

	b := conn.DefaultBackoff()

	assert.Equal(t, 3, b.MaxRetries)
	lo, hi := b.Bounds(1)
	assert.InDelta(t, float64(400*time.Millisecond), float64(lo), float64(time.Microsecond))
	assert.InDelta(t, float64(600*time.Millisecond), float64(hi), float64(time.Microsecond))
}
