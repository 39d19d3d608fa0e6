// Package metrics holds the moving averages snapsync uses to score peers
// and size ranges. Registry-backed counters, meters and timers come from
// go-ethereum's metrics package; this package only adds sample averages.
package metrics

import (
	"math"
	"sync"
)

// EWMA is an exponentially weighted moving average over observed samples.
// Unlike a rate meter it has no clock: every Observe call is one step of
// decay, so stale values fade as new results arrive. It is safe for
// concurrent use.
type EWMA struct {
	mu    sync.Mutex
	alpha float64
	value float64
}

// NewEWMA creates an average with the given smoothing factor, clamped to
// (0, 1]. The average starts at initial.
func NewEWMA(alpha, initial float64) *EWMA {
	if alpha <= 0 || math.IsNaN(alpha) {
		alpha = 0.1
	}
	if alpha > 1 {
		alpha = 1
	}
	return &EWMA{alpha: alpha, value: initial}
}

// AlphaForHalfLife returns the smoothing factor at which a sample's weight
// halves after n further observations.
func AlphaForHalfLife(n float64) float64 {
	if n <= 0 {
		return 1
	}
	return 1 - math.Pow(0.5, 1/n)
}

// Observe folds a new sample into the average.
func (e *EWMA) Observe(v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.value += e.alpha * (v - e.value)
}

// Value returns the current average.
func (e *EWMA) Value() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}
