package sync

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	lru "github.com/hashicorp/golang-lru"

	"github.com/eth2030/snapsync/core/rawdb"
)

// AccountStore persists synced accounts and the sync checkpoint. The engine
// has exclusive write access while it applies responses.
type AccountStore interface {
	// Get returns the account stored under key, or nil if absent.
	Get(key common.Hash) (*AccountRecord, error)
	// Put stores one account. Rewriting a key replaces it.
	Put(key common.Hash, rec *AccountRecord) error
	// ApplyRange stores accounts and the checkpoint in one atomic write.
	ApplyRange(recs []AccountRecord, cp Checkpoint) error
	// LastKey returns the highest stored key.
	LastKey() (common.Hash, bool, error)
	IsEmpty() (bool, error)
	// ClearFrom deletes every account with a key at or above start.
	ClearFrom(start common.Hash) error
	// Clear deletes every account and the checkpoint.
	Clear() error

	ReadCheckpoint() (Checkpoint, bool, error)
	WriteCheckpoint(cp Checkpoint) error
}

// DBStore is an AccountStore over a key-value database with an LRU cache in
// front of account reads.
type DBStore struct {
	db    ethdb.KeyValueStore
	cache *lru.Cache // common.Hash -> AccountRecord
}

// NewDBStore wraps db. cacheSize is the number of cached accounts.
func NewDBStore(db ethdb.KeyValueStore, cacheSize int) (*DBStore, error) {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &DBStore{db: db, cache: cache}, nil
}

// Get implements AccountStore.
func (s *DBStore) Get(key common.Hash) (*AccountRecord, error) {
	if v, ok := s.cache.Get(key); ok {
		rec := v.(AccountRecord)
		return &rec, nil
	}
	body, err := rawdb.ReadSyncAccount(s.db, key)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	rec, err := DecodeAccount(key, body)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, rec)
	return &rec, nil
}

// Put implements AccountStore.
func (s *DBStore) Put(key common.Hash, rec *AccountRecord) error {
	r := *rec
	r.Key = key
	batch := s.db.NewBatch()
	if err := rawdb.WriteSyncAccount(batch, key, EncodeAccount(&r)); err != nil {
		return err
	}
	if err := s.bumpLastKey(batch, key); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return err
	}
	s.cache.Add(key, r)
	return nil
}

// ApplyRange implements AccountStore.
func (s *DBStore) ApplyRange(recs []AccountRecord, cp Checkpoint) error {
	batch := s.db.NewBatch()
	for i := range recs {
		if err := rawdb.WriteSyncAccount(batch, recs[i].Key, EncodeAccount(&recs[i])); err != nil {
			return err
		}
	}
	if len(recs) > 0 {
		if err := s.bumpLastKey(batch, recs[len(recs)-1].Key); err != nil {
			return err
		}
	}
	if err := rawdb.WriteSyncCheckpoint(batch, cp.LastCoveredKey, cp.AccountsWritten); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("snap sync: persist range: %w", err)
	}
	for i := range recs {
		s.cache.Add(recs[i].Key, recs[i])
	}
	return nil
}

func (s *DBStore) bumpLastKey(w ethdb.KeyValueWriter, key common.Hash) error {
	last, ok := rawdb.ReadSyncLastAccount(s.db)
	if ok && CompareKeys(last, key) >= 0 {
		return nil
	}
	return rawdb.WriteSyncLastAccount(w, key)
}

// LastKey implements AccountStore.
func (s *DBStore) LastKey() (common.Hash, bool, error) {
	last, ok := rawdb.ReadSyncLastAccount(s.db)
	return last, ok, nil
}

// IsEmpty implements AccountStore.
func (s *DBStore) IsEmpty() (bool, error) {
	return !rawdb.HasSyncAccounts(s.db), nil
}

// ClearFrom implements AccountStore.
func (s *DBStore) ClearFrom(start common.Hash) error {
	if err := rawdb.DeleteSyncAccountsFrom(s.db, start); err != nil {
		return err
	}
	s.cache.Purge()
	return nil
}

// Clear implements AccountStore.
func (s *DBStore) Clear() error {
	if err := s.ClearFrom(MinKey); err != nil {
		return err
	}
	return rawdb.DeleteSyncCheckpoint(s.db)
}

// ReadCheckpoint implements AccountStore.
func (s *DBStore) ReadCheckpoint() (Checkpoint, bool, error) {
	key, written, ok, err := rawdb.ReadSyncCheckpoint(s.db)
	if err != nil || !ok {
		return Checkpoint{}, false, err
	}
	return Checkpoint{LastCoveredKey: key, AccountsWritten: written}, true, nil
}

// WriteCheckpoint implements AccountStore.
func (s *DBStore) WriteCheckpoint(cp Checkpoint) error {
	return rawdb.WriteSyncCheckpoint(s.db, cp.LastCoveredKey, cp.AccountsWritten)
}
