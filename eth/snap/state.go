package snap

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	gethrawdb "github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/holiman/uint256"

	"github.com/eth2030/snapsync/sync"
)

// GenerateState builds an in-memory state trie with n accounts. Addresses
// and balances derive from seed, so equal arguments give equal roots.
func GenerateState(n int, seed uint64) (*trie.Trie, error) {
	tr := trie.NewEmpty(triedb.NewDatabase(gethrawdb.NewMemoryDatabase(), nil))
	var buf [16]byte
	for i := 0; i < n; i++ {
		binary.BigEndian.PutUint64(buf[:8], seed)
		binary.BigEndian.PutUint64(buf[8:], uint64(i))
		addr := common.BytesToAddress(crypto.Keccak256(buf[:]))

		rec := sync.AccountRecord{
			Key:         sync.HashAddress(addr),
			Nonce:       uint64(i),
			Balance:     new(uint256.Int).Mul(uint256.NewInt(uint64(i)+1), uint256.NewInt(1e9)),
			CodeHash:    types.EmptyCodeHash,
			StorageRoot: types.EmptyRootHash,
		}
		full, err := sync.EncodeFullAccount(&rec)
		if err != nil {
			return nil, err
		}
		if err := tr.Update(rec.Key[:], full); err != nil {
			return nil, err
		}
	}
	tr.Hash()
	return tr, nil
}
