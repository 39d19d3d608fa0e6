package sync

import (
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryEntry is a failed request waiting for its next attempt.
type RetryEntry struct {
	RequestID    uint64
	Request      *Request
	Attempts     int // failed attempts so far
	NextEligible time.Time
}

// RetryDecision is the controller's verdict on a failed request.
type RetryDecision struct {
	Attempts  int
	RetryAt   time.Time
	Abandoned bool
}

type retryState uint8

const (
	stateInFlight retryState = iota
	stateScheduled
)

type retryItem struct {
	req      *Request
	peer     string
	state    retryState
	attempts int
	deadline time.Time // in flight
	retryAt  time.Time // scheduled
	schedule *backoff.ExponentialBackOff
}

// RetryController tracks every outstanding request from dispatch until it
// succeeds or is abandoned. It owns request deadlines and the backoff
// schedule: the n-th failure delays the next attempt by base*2^n, capped at
// the maximum delay. A request is abandoned on its maxAttempts-th failure.
// It is not safe for concurrent use.
type RetryController struct {
	maxAttempts int
	base        time.Duration
	maxDelay    time.Duration
	timeout     time.Duration

	items map[uint64]*retryItem
}

// NewRetryController creates a controller.
func NewRetryController(maxAttempts int, timeout, base, maxDelay time.Duration) *RetryController {
	return &RetryController{
		maxAttempts: maxAttempts,
		base:        base,
		maxDelay:    maxDelay,
		timeout:     timeout,
		items:       make(map[uint64]*retryItem),
	}
}

func (rc *RetryController) newSchedule() *backoff.ExponentialBackOff {
	initial := 2 * rc.base
	if initial > rc.maxDelay {
		initial = rc.maxDelay
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = rc.maxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Track marks req as sent to peer at now. Retries keep their failure count.
func (rc *RetryController) Track(req *Request, peer string, now time.Time) {
	item, ok := rc.items[req.ID]
	if !ok {
		item = &retryItem{req: req, schedule: rc.newSchedule()}
		rc.items[req.ID] = item
	}
	item.peer = peer
	item.state = stateInFlight
	item.deadline = now.Add(rc.timeout)
	item.retryAt = time.Time{}
}

// Succeeded drops all bookkeeping of a request.
func (rc *RetryController) Succeeded(id uint64) {
	delete(rc.items, id)
}

// Forget is an alias of Succeeded used when work is dropped rather than
// completed.
func (rc *RetryController) Forget(id uint64) {
	delete(rc.items, id)
}

// Failed records a failed attempt of an in-flight request and schedules
// the next one, or abandons the request once the attempts are used up.
// Unknown ids yield an abandoned decision with zero attempts.
func (rc *RetryController) Failed(id uint64, now time.Time) RetryDecision {
	item, ok := rc.items[id]
	if !ok {
		return RetryDecision{Abandoned: true}
	}
	item.attempts++
	if item.attempts >= rc.maxAttempts {
		delete(rc.items, id)
		return RetryDecision{Attempts: item.attempts, Abandoned: true}
	}
	item.state = stateScheduled
	item.retryAt = now.Add(item.schedule.NextBackOff())
	return RetryDecision{Attempts: item.attempts, RetryAt: item.retryAt}
}

// Expired returns the in-flight requests whose deadline passed, by id.
func (rc *RetryController) Expired(now time.Time) []uint64 {
	var ids []uint64
	for id, item := range rc.items {
		if item.state == stateInFlight && now.After(item.deadline) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Due returns the scheduled retries eligible at now, earliest first. They
// stay scheduled until Track is called for them again.
func (rc *RetryController) Due(now time.Time) []*RetryEntry {
	var due []*RetryEntry
	for id, item := range rc.items {
		if item.state == stateScheduled && !now.Before(item.retryAt) {
			due = append(due, &RetryEntry{
				RequestID:    id,
				Request:      item.req,
				Attempts:     item.attempts,
				NextEligible: item.retryAt,
			})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextEligible.Equal(due[j].NextEligible) {
			return due[i].NextEligible.Before(due[j].NextEligible)
		}
		return due[i].RequestID < due[j].RequestID
	})
	return due
}

// NextWake returns the earliest deadline or retry time, if any.
func (rc *RetryController) NextWake() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for _, item := range rc.items {
		t := item.deadline
		if item.state == stateScheduled {
			t = item.retryAt
		}
		if !found || t.Before(next) {
			next, found = t, true
		}
	}
	return next, found
}

// Scheduled returns the number of requests waiting for a retry.
func (rc *RetryController) Scheduled() int {
	return rc.count(stateScheduled)
}

func (rc *RetryController) count(state retryState) int {
	n := 0
	for _, item := range rc.items {
		if item.state == state {
			n++
		}
	}
	return n
}

// Reset drops every tracked request.
func (rc *RetryController) Reset() {
	rc.items = make(map[uint64]*retryItem)
}
