package rawdb

import "github.com/ethereum/go-ethereum/common"

// Key prefixes for the sync database schema. Each record kind uses a
// distinct prefix so kinds never collide.
var (
	// Synced accounts
	syncAccountPrefix = []byte("sa") // sa + account hash -> slim account RLP

	// Sync progress
	syncCheckpointKey  = []byte("SnapSyncCheckpoint")  // -> checkpoint RLP
	syncLastAccountKey = []byte("SnapSyncLastAccount") // -> highest stored account hash
)

// syncAccountKey = syncAccountPrefix + hash
func syncAccountKey(hash common.Hash) []byte {
	return append(append([]byte{}, syncAccountPrefix...), hash[:]...)
}
