package engine

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: Base * 2^attempt capped at Max, with
// equal jitter (the delay is uniform in [d/2, d]).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Max: 10 * time.Minute}
}

// Delay returns the wait before the attempt following attempt number
// attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.ceiling(attempt)
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(d-half)+1))
}

func (b Backoff) ceiling(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
