// Package rawdb provides the on-disk schema of snapsync and accessor
// functions over go-ethereum key-value stores.
package rawdb

import (
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
)

// NewMemoryDatabase returns an in-memory key-value store.
func NewMemoryDatabase() ethdb.KeyValueStore {
	return memorydb.New()
}

// NewLevelDBDatabase opens or creates a LevelDB store at file. cache is in
// megabytes, handles is the number of open files.
func NewLevelDBDatabase(file string, cache, handles int, namespace string, readonly bool) (ethdb.KeyValueStore, error) {
	db, err := leveldb.New(file, cache, handles, namespace, readonly)
	if err != nil {
		return nil, err
	}
	return db, nil
}
