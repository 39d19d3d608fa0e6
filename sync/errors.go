package sync

import (
	"context"
	"errors"
	"fmt"
)

// Scheduling errors. These indicate a broken configuration or key space
// arithmetic and are fatal for the run.
var (
	ErrInvalidRangeSize = errors.New("snap sync: range size must be positive")
	ErrNoProgress       = errors.New("snap sync: range does not advance the cursor")
	ErrRangeExhausted   = errors.New("snap sync: cursor at end of key space")
)

// Data errors. A response failing any of these is discarded whole, the
// serving peer is penalized and the range is fetched again elsewhere.
var (
	ErrUnorderedAccounts = errors.New("snap sync: accounts not strictly ascending")
	ErrAccountOutOfRange = errors.New("snap sync: account below range start")
	ErrInvalidProof      = errors.New("snap sync: invalid range proof")
	ErrDecodeAccount     = errors.New("snap sync: malformed account body")
)

// Network errors. These go through the retry controller.
var (
	ErrRequestTimeout    = errors.New("snap sync: request timed out")
	ErrResponseTooLarge  = errors.New("snap sync: response exceeds byte limit")
	ErrPeerRejected      = errors.New("snap sync: peer does not serve root")
	ErrPeerDisconnected  = errors.New("snap sync: peer disconnected")
	ErrRetriesExhausted  = errors.New("snap sync: retries exhausted")
	ErrNoPeersAvailable  = errors.New("snap sync: no peers available")
	ErrAllPeersBusy      = errors.New("snap sync: all peers busy")
	ErrReschedulesExceed = errors.New("snap sync: range rescheduled too often")
)

// Engine lifecycle errors.
var (
	ErrEngineClosed   = errors.New("snap sync: engine closed")
	ErrSyncDisabled   = errors.New("snap sync: disabled by config")
	ErrInvalidUnwind  = errors.New("snap sync: unwind target ahead of checkpoint")
	ErrInvalidConfig  = errors.New("snap sync: invalid config")
	ErrStageFailed    = errors.New("snap sync: stage failed")
	ErrPipelineActive = errors.New("snap sync: pipeline already running")
)

// BatchError is a fatal error raised while processing a batch, tagged with
// the range that caused it when one is known.
type BatchError struct {
	Range *Range
	Err   error
}

func (e *BatchError) Error() string {
	if e.Range == nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (range %v)", e.Err, *e.Range)
}

func (e *BatchError) Unwrap() error { return e.Err }

// newBatchError wraps err, copying rng so the caller may reuse its value.
func newBatchError(rng *Range, err error) *BatchError {
	if rng == nil {
		return &BatchError{Err: err}
	}
	r := *rng
	return &BatchError{Range: &r, Err: err}
}

// IsNetworkError reports whether err is transient and retryable.
func IsNetworkError(err error) bool {
	return errors.Is(err, ErrRequestTimeout) ||
		errors.Is(err, ErrResponseTooLarge) ||
		errors.Is(err, ErrPeerRejected) ||
		errors.Is(err, ErrPeerDisconnected) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsDataError reports whether err means a peer served bad data.
func IsDataError(err error) bool {
	return errors.Is(err, ErrUnorderedAccounts) ||
		errors.Is(err, ErrAccountOutOfRange) ||
		errors.Is(err, ErrInvalidProof) ||
		errors.Is(err, ErrDecodeAccount)
}

// IsSchedulingError reports whether err is a fatal scheduling error.
func IsSchedulingError(err error) bool {
	return errors.Is(err, ErrInvalidRangeSize) || errors.Is(err, ErrNoProgress)
}
