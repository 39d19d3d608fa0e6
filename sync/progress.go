package sync

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Progress is a snapshot of the engine's sync progress.
type Progress struct {
	State      State
	Root       common.Hash
	RootNumber uint64
	Checkpoint Checkpoint

	InFlight  int // requests awaiting an answer
	Pending   int // responses waiting to be applied
	Retrying  int // requests waiting for a retry
	Requeued  int // ranges waiting for a fresh request
	Peers     int
	SizeBits  int // bit length of the range size hint
	StartTime time.Time

	// PercentComplete is the covered share of the key space, 0-100.
	PercentComplete float64
}

// Progress returns a snapshot of the current progress. It must be called
// from the goroutine driving the engine.
func (e *Engine) Progress() Progress {
	p := Progress{
		State:      e.State(),
		Root:       e.root,
		RootNumber: e.rootNumber,
		Checkpoint: e.checkpoint,
		InFlight:   len(e.inflight),
		Pending:    e.pending.len(),
		Retrying:   e.retries.Scheduled(),
		Requeued:   e.scheduler.Requeued(),
		Peers:      e.peers.Len(),
		SizeBits:   e.sizer.Hint().BitLen(),
		StartTime:  e.startTime,
	}
	p.PercentComplete = 100 * KeyFraction(e.checkpoint.LastCoveredKey)
	return p
}

// ETA extrapolates the remaining time from the elapsed time and the covered
// share of the key space. It is zero before any progress and after
// completion.
func (p Progress) ETA(now time.Time) time.Duration {
	done := p.PercentComplete / 100
	if p.StartTime.IsZero() || done <= 0 || done >= 1 {
		return 0
	}
	elapsed := now.Sub(p.StartTime)
	if elapsed <= 0 {
		return 0
	}
	return time.Duration(float64(elapsed) * (1 - done) / done)
}

// AccountsPerSecond returns the average ingest rate since the engine
// started.
func (p Progress) AccountsPerSecond(now time.Time) float64 {
	elapsed := now.Sub(p.StartTime).Seconds()
	if p.StartTime.IsZero() || elapsed <= 0 {
		return 0
	}
	return float64(p.Checkpoint.AccountsWritten) / elapsed
}
