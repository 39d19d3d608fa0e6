// range_scheduler.go implements the key space partitioning of account range
// sync. Fresh ranges are cut off the front of the unscheduled key space;
// ranges that must be fetched again are queued and handed out first.
package sync

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// NextRange derives the range starting at current, sizeHint keys wide,
// clamped to max. It is a pure function of its inputs.
func NextRange(current, max common.Hash, sizeHint *uint256.Int) (Range, error) {
	if sizeHint == nil || sizeHint.IsZero() {
		return Range{}, ErrInvalidRangeSize
	}
	if CompareKeys(current, max) >= 0 {
		return Range{}, fmt.Errorf("%w: cursor %x, end %x", ErrRangeExhausted, current, max)
	}
	end, overflow := AddKey(current, sizeHint)
	if overflow || CompareKeys(end, max) > 0 {
		end = max
	}
	if CompareKeys(end, current) <= 0 {
		return Range{}, fmt.Errorf("%w: cursor %x, end %x", ErrNoProgress, current, end)
	}
	return Range{Start: current, End: end}, nil
}

// RangeScheduler hands out ranges in ascending key order. It is not safe for
// concurrent use; the engine owns it.
type RangeScheduler struct {
	cursor    common.Hash // first key never handed out
	max       common.Hash
	exhausted bool
	requeued  []Range // sorted by start
}

// NewRangeScheduler creates a scheduler covering [start, max].
func NewRangeScheduler(start, max common.Hash) *RangeScheduler {
	s := &RangeScheduler{max: max}
	s.Reset(start)
	return s
}

// Next returns the next range to fetch. Requeued ranges come first, lowest
// start first. ok is false once the key space is fully handed out and no
// range waits for a refetch.
func (s *RangeScheduler) Next(sizeHint *uint256.Int) (Range, bool, error) {
	if len(s.requeued) > 0 {
		r := s.requeued[0]
		s.requeued = s.requeued[1:]
		return r, true, nil
	}
	if s.exhausted {
		return Range{}, false, nil
	}
	r, err := NextRange(s.cursor, s.max, sizeHint)
	if err != nil {
		return Range{}, false, err
	}
	s.cursor = r.End
	if r.End == s.max {
		s.exhausted = true
	}
	return r, true, nil
}

// Requeue schedules r to be fetched again before any fresh range.
func (s *RangeScheduler) Requeue(r Range) {
	i := sort.Search(len(s.requeued), func(i int) bool {
		return CompareKeys(s.requeued[i].Start, r.Start) >= 0
	})
	if i < len(s.requeued) && s.requeued[i].Start == r.Start {
		s.requeued[i] = r
		return
	}
	s.requeued = append(s.requeued, Range{})
	copy(s.requeued[i+1:], s.requeued[i:])
	s.requeued[i] = r
}

// Reset drops all requeued ranges and restarts scheduling at cursor.
func (s *RangeScheduler) Reset(cursor common.Hash) {
	s.cursor = cursor
	s.requeued = s.requeued[:0]
	s.exhausted = CompareKeys(cursor, s.max) >= 0
}

// Cursor returns the first key not yet handed out as a fresh range.
func (s *RangeScheduler) Cursor() common.Hash { return s.cursor }

// Requeued returns the number of ranges waiting to be fetched again.
func (s *RangeScheduler) Requeued() int { return len(s.requeued) }

// Exhausted reports whether nothing is left to hand out.
func (s *RangeScheduler) Exhausted() bool {
	return s.exhausted && len(s.requeued) == 0
}
