// proof.go verifies account range responses against a state root using
// Merkle range proofs.
package sync

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/trie"
)

// VerifyAccountRange checks that keys and values are exactly the trie leaves
// from rng.Start up to the last key, under root. Values must be full-RLP
// account bodies. The result reports whether the trie holds further keys
// after the last delivered one.
//
// An empty proof means the response claims to be the whole trie. An empty
// key list with a proof verifies only when no key at or after rng.Start
// exists.
func VerifyAccountRange(root common.Hash, rng Range, keys, values [][]byte, proof [][]byte) (bool, error) {
	if len(keys) != len(values) {
		return false, fmt.Errorf("%w: %d keys, %d values", ErrInvalidProof, len(keys), len(values))
	}
	for i, key := range keys {
		if len(key) != len(rng.Start) {
			return false, fmt.Errorf("%w: key %d has length %d", ErrInvalidProof, i, len(key))
		}
		if i > 0 && bytes.Compare(keys[i-1], key) >= 0 {
			return false, fmt.Errorf("%w: key %d (%x) after %x", ErrUnorderedAccounts, i, key, keys[i-1])
		}
	}
	if len(keys) > 0 && bytes.Compare(keys[0], rng.Start[:]) < 0 {
		return false, fmt.Errorf("%w: first key %x, start %x", ErrAccountOutOfRange, keys[0], rng.Start)
	}
	var proofdb ethdb.KeyValueReader
	if len(proof) > 0 {
		db := memorydb.New()
		for _, node := range proof {
			if err := db.Put(crypto.Keccak256(node), node); err != nil {
				return false, err
			}
		}
		proofdb = db
	}
	more, err := trie.VerifyRangeProof(root, rng.Start[:], keys, values, proofdb)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	return more, nil
}
