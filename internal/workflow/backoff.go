package workflow

import (
	"math"
	"time"
)

type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    time.Second,
		Max:        time.Minute,
		Multiplier: 2,
	}
}

// Delay returns how long to wait before retrying after the given number
// of consecutive failures.
func (b Backoff) Delay(failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := b.Initial
	for i := 1; i < failures; i++ {
		if d > math.MaxInt64/time.Duration(mult) {
			if b.Max > 0 {
				return b.Max
			}
			return math.MaxInt64
		}
		d *= time.Duration(mult)
		if b.Max > 0 && d > b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
