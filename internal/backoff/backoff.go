// Package backoff computes capped exponential delays with jitter.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Policy describes an exponential schedule: Base doubles on every attempt
// up to Max, then the result is spread by ±Jitter.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// Rand returns a value in [0, 1). Nil uses math/rand.
	Rand func() float64
}

// Default is the reconnect schedule: 1s doubling to 60s, ±20%.
var Default = Policy{Base: time.Second, Max: 60 * time.Second, Jitter: 0.2}

// Delay returns the wait before the given attempt. Attempts are 1-based;
// anything below 1 is treated as the first attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := p.Base
	for i := 1; i < attempt && d < p.Max; i++ {
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}

	if p.Jitter <= 0 {
		return d
	}

	r := rand.Float64
	if p.Rand != nil {
		r = p.Rand
	}
	spread := 1 + p.Jitter*(2*r()-1)
	return time.Duration(float64(d) * spread)
}
