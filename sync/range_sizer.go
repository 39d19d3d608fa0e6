package sync

import (
	"time"

	"github.com/gammazero/deque"
	"github.com/holiman/uint256"
)

// outcome is one resolved request as seen by the sizer.
type outcome struct {
	ok      bool
	latency time.Duration
}

// RangeSizer adapts the range size hint to observed peer performance. It
// keeps a trailing window of request outcomes and, once per batch, doubles
// the hint when peers answer quickly and reliably or halves it when they
// struggle. The hint always stays within [MinRangeSize, MaxRangeSize].
type RangeSizer struct {
	enabled  bool
	min, max *uint256.Int
	hint     *uint256.Int

	size        int
	window      *deque.Deque[outcome]
	highSuccess float64
	lowSuccess  float64
	lowLatency  time.Duration
	highLatency time.Duration
}

// NewRangeSizer creates a sizer from the engine config.
func NewRangeSizer(cfg *Config) *RangeSizer {
	s := &RangeSizer{
		enabled:     cfg.AdaptiveRangeSizing,
		min:         new(uint256.Int).Set(cfg.MinRangeSize),
		max:         new(uint256.Int).Set(cfg.MaxRangeSize),
		hint:        new(uint256.Int).Set(cfg.DefaultRangeSize),
		size:        cfg.SizingWindow,
		window:      deque.New[outcome](),
		highSuccess: cfg.HighSuccessRate,
		lowSuccess:  cfg.LowSuccessRate,
		lowLatency:  cfg.LowLatency,
		highLatency: cfg.HighLatency,
	}
	s.clamp()
	return s
}

// Hint returns a copy of the current size hint.
func (s *RangeSizer) Hint() *uint256.Int {
	return new(uint256.Int).Set(s.hint)
}

// Record adds a resolved request to the trailing window.
func (s *RangeSizer) Record(ok bool, latency time.Duration) {
	s.window.PushBack(outcome{ok: ok, latency: latency})
	for s.window.Len() > s.size {
		s.window.PopFront()
	}
}

// Stats returns the success rate and mean latency over the window.
func (s *RangeSizer) Stats() (float64, time.Duration) {
	n := s.window.Len()
	if n == 0 {
		return 0, 0
	}
	var (
		successes int
		total     time.Duration
	)
	for i := 0; i < n; i++ {
		o := s.window.At(i)
		if o.ok {
			successes++
		}
		total += o.latency
	}
	return float64(successes) / float64(n), total / time.Duration(n)
}

// Adjust applies the sizing rule once and reports whether the hint moved.
// The window is cleared after a change so the next decision only sees
// requests made with the new size.
func (s *RangeSizer) Adjust() bool {
	if !s.enabled || s.window.Len() == 0 {
		return false
	}
	rate, latency := s.Stats()
	prev := s.Hint()
	switch {
	case rate < s.lowSuccess || latency > s.highLatency:
		s.hint.Rsh(s.hint, 1)
	case rate > s.highSuccess && latency < s.lowLatency:
		if _, overflow := s.hint.MulOverflow(s.hint, uint256.NewInt(2)); overflow {
			s.hint.Set(s.max)
		}
	default:
		return false
	}
	s.clamp()
	if s.hint.Eq(prev) {
		return false
	}
	s.window.Clear()
	return true
}

func (s *RangeSizer) clamp() {
	if s.hint.Lt(s.min) {
		s.hint.Set(s.min)
	}
	if s.hint.Gt(s.max) {
		s.hint.Set(s.max)
	}
}
