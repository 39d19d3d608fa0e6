package sync

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// Range is a contiguous span of account keys. It covers [Start, End), and
// additionally MaxKey itself when End is MaxKey, so the top of the key space
// is reachable. Ranges are values and never mutated after creation.
type Range struct {
	Start common.Hash
	End   common.Hash
}

// Contains reports whether key falls inside the range.
func (r Range) Contains(key common.Hash) bool {
	if CompareKeys(key, r.Start) < 0 {
		return false
	}
	if r.End == MaxKey {
		return true
	}
	return CompareKeys(key, r.End) < 0
}

// Limit returns the inclusive last key of the range, as sent on the wire.
func (r Range) Limit() common.Hash {
	if r.End == MaxKey {
		return MaxKey
	}
	limit, _ := DecrementKey(r.End)
	return limit
}

// Final reports whether the range reaches the end of the key space.
func (r Range) Final() bool {
	return r.End == MaxKey
}

func (r Range) String() string {
	return fmt.Sprintf("[%s..%s)", r.Start.TerminalString(), r.End.TerminalString())
}

// Request asks one peer for the accounts of one range at one state root.
type Request struct {
	ID            uint64
	Root          common.Hash
	Range         Range
	ResponseBytes uint32
}

// AccountData is one account as delivered by a peer: the key and the slim
// RLP body.
type AccountData struct {
	Hash common.Hash
	Body rlp.RawValue
}

// Response is a peer's answer to a Request: accounts in ascending key order
// plus the Merkle nodes proving the range boundaries.
type Response struct {
	Accounts []*AccountData
	Proof    [][]byte
}

// Size returns the number of payload bytes carried by the response.
func (r *Response) Size() uint64 {
	if r == nil {
		return 0
	}
	var size uint64
	for _, acc := range r.Accounts {
		if acc != nil {
			size += common.HashLength + uint64(len(acc.Body))
		}
	}
	for _, node := range r.Proof {
		size += uint64(len(node))
	}
	return size
}

// Checkpoint is the durable progress marker. Every key below LastCoveredKey
// has been fetched, verified and persisted. LastCoveredKey equal to MaxKey
// means the whole key space is covered.
type Checkpoint struct {
	LastCoveredKey  common.Hash
	AccountsWritten uint64
}

// Complete reports whether the checkpoint covers the whole key space.
func (c Checkpoint) Complete() bool {
	return c.LastCoveredKey == MaxKey
}

// BatchResult is returned by every engine batch.
type BatchResult struct {
	Progress Checkpoint
	Done     bool

	// Applied is the number of ranges persisted during the batch.
	Applied int
	// Accounts is the number of accounts persisted during the batch.
	Accounts int
}
