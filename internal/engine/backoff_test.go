package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DelayWithinJitterBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute}

	tests := []struct {
		attempt int
		ceiling time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute},
		{40, time.Minute},
	}

	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			d := b.Delay(tt.attempt)
			assert.GreaterOrEqual(t, d, tt.ceiling/2, "attempt %d", tt.attempt)
			assert.LessOrEqual(t, d, tt.ceiling, "attempt %d", tt.attempt)
		}
	}
}

func TestBackoff_ZeroBase(t *testing.T) {
	assert.Zero(t, Backoff{}.Delay(3))
}
