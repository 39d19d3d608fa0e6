package rawdb

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/rlp"
)

// --- Account Accessors ---

// ReadSyncAccount retrieves the slim RLP body of a synced account, or nil
// if it is not stored.
func ReadSyncAccount(db ethdb.KeyValueReader, hash common.Hash) ([]byte, error) {
	key := syncAccountKey(hash)
	ok, err := db.Has(key)
	if err != nil || !ok {
		return nil, err
	}
	return db.Get(key)
}

// WriteSyncAccount stores the slim RLP body of a synced account.
func WriteSyncAccount(db ethdb.KeyValueWriter, hash common.Hash, body []byte) error {
	return db.Put(syncAccountKey(hash), body)
}

// DeleteSyncAccount removes a synced account.
func DeleteSyncAccount(db ethdb.KeyValueWriter, hash common.Hash) error {
	return db.Delete(syncAccountKey(hash))
}

// HasSyncAccounts reports whether any synced account is stored.
func HasSyncAccounts(db ethdb.Iteratee) bool {
	it := db.NewIterator(syncAccountPrefix, nil)
	defer it.Release()
	return it.Next()
}

// DeleteSyncAccountsFrom removes every synced account whose hash is at or
// above start, and rewinds the last-account marker accordingly.
func DeleteSyncAccountsFrom(db ethdb.KeyValueStore, start common.Hash) error {
	it := db.NewIterator(syncAccountPrefix, start[:])
	defer it.Release()

	batch := db.NewBatch()
	for it.Next() {
		if err := batch.Delete(common.CopyBytes(it.Key())); err != nil {
			return err
		}
		if batch.ValueSize() >= ethdb.IdealBatchSize {
			if err := batch.Write(); err != nil {
				return err
			}
			batch.Reset()
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	if last, ok := ReadSyncLastAccount(db); ok && bytes.Compare(last[:], start[:]) >= 0 {
		prev, found := lastSyncAccountBelow(db, start)
		if found {
			if err := WriteSyncLastAccount(batch, prev); err != nil {
				return err
			}
		} else if err := batch.Delete(syncLastAccountKey); err != nil {
			return err
		}
	}
	return batch.Write()
}

// lastSyncAccountBelow scans for the highest stored hash below limit.
func lastSyncAccountBelow(db ethdb.Iteratee, limit common.Hash) (common.Hash, bool) {
	it := db.NewIterator(syncAccountPrefix, nil)
	defer it.Release()

	var (
		last  common.Hash
		found bool
	)
	for it.Next() {
		hash := it.Key()[len(syncAccountPrefix):]
		if bytes.Compare(hash, limit[:]) >= 0 {
			break
		}
		last, found = common.BytesToHash(hash), true
	}
	return last, found
}

// ReadSyncLastAccount returns the highest synced account hash.
func ReadSyncLastAccount(db ethdb.KeyValueReader) (common.Hash, bool) {
	data, _ := db.Get(syncLastAccountKey)
	if len(data) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(data), true
}

// WriteSyncLastAccount stores the highest synced account hash.
func WriteSyncLastAccount(db ethdb.KeyValueWriter, hash common.Hash) error {
	return db.Put(syncLastAccountKey, hash[:])
}

// --- Checkpoint Accessors ---

type syncCheckpoint struct {
	Cursor  common.Hash
	Written uint64
}

// ReadSyncCheckpoint retrieves the persisted sync progress.
func ReadSyncCheckpoint(db ethdb.KeyValueReader) (common.Hash, uint64, bool, error) {
	ok, err := db.Has(syncCheckpointKey)
	if err != nil || !ok {
		return common.Hash{}, 0, false, err
	}
	data, err := db.Get(syncCheckpointKey)
	if err != nil {
		return common.Hash{}, 0, false, err
	}
	var cp syncCheckpoint
	if err := rlp.DecodeBytes(data, &cp); err != nil {
		return common.Hash{}, 0, false, fmt.Errorf("rawdb: corrupt sync checkpoint: %w", err)
	}
	return cp.Cursor, cp.Written, true, nil
}

// WriteSyncCheckpoint stores the sync progress.
func WriteSyncCheckpoint(db ethdb.KeyValueWriter, cursor common.Hash, written uint64) error {
	data, err := rlp.EncodeToBytes(&syncCheckpoint{Cursor: cursor, Written: written})
	if err != nil {
		return err
	}
	return db.Put(syncCheckpointKey, data)
}

// DeleteSyncCheckpoint removes the sync progress.
func DeleteSyncCheckpoint(db ethdb.KeyValueWriter) error {
	return db.Delete(syncCheckpointKey)
}
