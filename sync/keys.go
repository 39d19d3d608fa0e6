// keys.go implements arithmetic over the 256-bit account key space. Keys are
// account hashes ordered as big-endian unsigned integers.
package sync

import (
	"bytes"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// MinKey is the first key of the account key space.
	MinKey = common.Hash{}

	// MaxKey is the last key of the account key space.
	MaxKey = common.HexToHash("0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
)

// keyToInt converts a key to its integer value.
func keyToInt(k common.Hash) *uint256.Int {
	return new(uint256.Int).SetBytes32(k[:])
}

// intToKey converts an integer value back to a key.
func intToKey(v *uint256.Int) common.Hash {
	return common.Hash(v.Bytes32())
}

// AddKey adds n to k with carry propagation across all 32 bytes. The
// second return value reports whether the sum wrapped past MaxKey.
func AddKey(k common.Hash, n *uint256.Int) (common.Hash, bool) {
	sum, overflow := new(uint256.Int).AddOverflow(keyToInt(k), n)
	return intToKey(sum), overflow
}

// IncrementKey returns k+1. It reports overflow when k is MaxKey.
func IncrementKey(k common.Hash) (common.Hash, bool) {
	return AddKey(k, uint256.NewInt(1))
}

// DecrementKey returns k-1. It reports underflow when k is MinKey.
func DecrementKey(k common.Hash) (common.Hash, bool) {
	diff, underflow := new(uint256.Int).SubOverflow(keyToInt(k), uint256.NewInt(1))
	return intToKey(diff), underflow
}

// CompareKeys orders two keys as big-endian integers.
func CompareKeys(a, b common.Hash) int {
	return bytes.Compare(a[:], b[:])
}

// KeyFraction estimates the share of the key space below k, in [0, 1].
func KeyFraction(k common.Hash) float64 {
	if k == MaxKey {
		return 1
	}
	return float64(binary.BigEndian.Uint64(k[:8])) / (1 << 64)
}
