package sync

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// AccountRecord is one decoded account, keyed by its hash.
type AccountRecord struct {
	Key         common.Hash
	Nonce       uint64
	Balance     *uint256.Int
	CodeHash    common.Hash
	StorageRoot common.Hash
}

// StateAccount converts the record into go-ethereum's state account.
func (a *AccountRecord) StateAccount() *types.StateAccount {
	balance := a.Balance
	if balance == nil {
		balance = new(uint256.Int)
	}
	return &types.StateAccount{
		Nonce:    a.Nonce,
		Balance:  balance,
		Root:     a.StorageRoot,
		CodeHash: a.CodeHash.Bytes(),
	}
}

// DecodeAccount decodes a slim RLP account body. Empty storage roots and
// code hashes are expanded to their canonical values.
func DecodeAccount(key common.Hash, body []byte) (AccountRecord, error) {
	acc, err := types.FullAccount(body)
	if err != nil {
		return AccountRecord{}, fmt.Errorf("%w: account %x: %v", ErrDecodeAccount, key, err)
	}
	return recordFromState(key, acc), nil
}

// DecodeFullAccount decodes a full RLP account body as committed in the trie.
func DecodeFullAccount(key common.Hash, body []byte) (AccountRecord, error) {
	var acc types.StateAccount
	if err := rlp.DecodeBytes(body, &acc); err != nil {
		return AccountRecord{}, fmt.Errorf("%w: account %x: %v", ErrDecodeAccount, key, err)
	}
	return recordFromState(key, &acc), nil
}

func recordFromState(key common.Hash, acc *types.StateAccount) AccountRecord {
	balance := acc.Balance
	if balance == nil {
		balance = new(uint256.Int)
	}
	return AccountRecord{
		Key:         key,
		Nonce:       acc.Nonce,
		Balance:     balance,
		CodeHash:    common.BytesToHash(acc.CodeHash),
		StorageRoot: acc.Root,
	}
}

// EncodeAccount returns the slim RLP body of the record.
func EncodeAccount(a *AccountRecord) []byte {
	return types.SlimAccountRLP(*a.StateAccount())
}

// EncodeFullAccount returns the full RLP body of the record, the form
// committed to by the state trie.
func EncodeFullAccount(a *AccountRecord) ([]byte, error) {
	return rlp.EncodeToBytes(a.StateAccount())
}

// HashAddress derives the account key of an address.
func HashAddress(addr common.Address) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(addr[:])
	return common.BytesToHash(h.Sum(nil))
}
