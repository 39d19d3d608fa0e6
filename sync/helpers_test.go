package sync

import (
	"context"
	"encoding/binary"
	"sort"
	gosync "sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethrawdb "github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/snapsync/core/rawdb"
	"github.com/eth2030/snapsync/log"
)

// highKey returns a key whose first byte is b and the rest zero.
func highKey(b byte) common.Hash {
	var k common.Hash
	k[0] = b
	return k
}

// lowKey returns a key with integer value v.
func lowKey(v uint64) common.Hash {
	return intToKey(uint256.NewInt(v))
}

// hashedKeys returns n keys spread uniformly over the key space.
func hashedKeys(n int, salt uint64) []common.Hash {
	keys := make([]common.Hash, n)
	var buf [16]byte
	for i := range keys {
		binary.BigEndian.PutUint64(buf[:8], salt)
		binary.BigEndian.PutUint64(buf[8:], uint64(i))
		keys[i] = crypto.Keccak256Hash(buf[:])
	}
	return keys
}

type testAccount struct {
	key  common.Hash
	rec  AccountRecord
	slim []byte
	full []byte
}

// testState is a real state trie holding one account per key.
type testState struct {
	t        *testing.T
	trie     *trie.Trie
	root     common.Hash
	accounts []testAccount
}

func newTestState(t *testing.T, keys []common.Hash) *testState {
	t.Helper()

	tr := trie.NewEmpty(triedb.NewDatabase(gethrawdb.NewMemoryDatabase(), nil))
	s := &testState{t: t, trie: tr}
	for i, k := range keys {
		rec := AccountRecord{
			Key:         k,
			Nonce:       uint64(i + 1),
			Balance:     uint256.NewInt(uint64(1000 * (i + 1))),
			CodeHash:    types.EmptyCodeHash,
			StorageRoot: types.EmptyRootHash,
		}
		full, err := EncodeFullAccount(&rec)
		require.NoError(t, err)
		require.NoError(t, tr.Update(k[:], full))
		s.accounts = append(s.accounts, testAccount{key: k, rec: rec, slim: EncodeAccount(&rec), full: full})
	}
	sort.Slice(s.accounts, func(i, j int) bool {
		return CompareKeys(s.accounts[i].key, s.accounts[j].key) < 0
	})
	s.root = tr.Hash()
	return s
}

// prove returns the merged proof nodes of keys.
func (s *testState) prove(keys ...common.Hash) [][]byte {
	db := memorydb.New()
	for _, k := range keys {
		require.NoError(s.t, s.trie.Prove(k[:], db))
	}
	var nodes [][]byte
	it := db.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		nodes = append(nodes, common.CopyBytes(it.Value()))
	}
	return nodes
}

// serve answers req like an honest snap server: accounts from the range
// start up to and including the first one at or past the limit, at most
// max accounts when max is positive, with boundary proofs.
func (s *testState) serve(req *Request, max int) *Response {
	origin, limit := req.Range.Start, req.Range.Limit()
	resp := new(Response)
	var last common.Hash
	for _, acc := range s.accounts {
		if CompareKeys(acc.key, origin) < 0 {
			continue
		}
		resp.Accounts = append(resp.Accounts, &AccountData{Hash: acc.key, Body: acc.slim})
		last = acc.key
		if CompareKeys(acc.key, limit) >= 0 || (max > 0 && len(resp.Accounts) >= max) {
			break
		}
	}
	if len(resp.Accounts) > 0 {
		resp.Proof = s.prove(origin, last)
	} else {
		resp.Proof = s.prove(origin)
	}
	return resp
}

// rangeArgs splits a response into verifier inputs with full RLP values.
func (s *testState) rangeArgs(resp *Response) ([][]byte, [][]byte) {
	var keys, values [][]byte
	for _, acc := range resp.Accounts {
		full, err := types.FullAccountRLP(acc.Body)
		require.NoError(s.t, err)
		keys = append(keys, common.CopyBytes(acc.Hash[:]))
		values = append(values, full)
	}
	return keys, values
}

// clientFunc adapts a function to PeerClient.
type clientFunc func(ctx context.Context, peer string, req *Request) (*Response, error)

func (f clientFunc) RequestAccountRange(ctx context.Context, peer string, req *Request) (*Response, error) {
	return f(ctx, peer, req)
}

// countingClient serves honestly from states keyed by root and records
// every request it sees.
type countingClient struct {
	mu       gosync.Mutex
	states   map[common.Hash]*testState
	max      int
	requests []*Request
	peers    []string
}

func newCountingClient(max int, states ...*testState) *countingClient {
	c := &countingClient{states: make(map[common.Hash]*testState), max: max}
	for _, s := range states {
		c.states[s.root] = s
	}
	return c
}

func (c *countingClient) RequestAccountRange(ctx context.Context, peer string, req *Request) (*Response, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.peers = append(c.peers, peer)
	s := c.states[req.Root]
	c.mu.Unlock()

	if s == nil {
		return new(Response), nil
	}
	return s.serve(req, c.max), nil
}

func (c *countingClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 5 * time.Second
	cfg.RetryBaseDelay = time.Millisecond
	cfg.MaxRetryDelay = 10 * time.Millisecond
	cfg.BatchWait = 50 * time.Millisecond
	cfg.AdaptiveRangeSizing = false
	cfg.MinRangeSize = new(uint256.Int).Lsh(uint256.NewInt(1), 240)
	cfg.DefaultRangeSize = new(uint256.Int).Lsh(uint256.NewInt(1), 252)
	cfg.MaxRangeSize = new(uint256.Int).Lsh(uint256.NewInt(1), 255)
	return cfg
}

func newTestStore(t *testing.T) *DBStore {
	t.Helper()
	store, err := NewDBStore(rawdb.NewMemoryDatabase(), 256)
	require.NoError(t, err)
	return store
}

func newTestEngine(t *testing.T, cfg Config, store AccountStore, client PeerClient, root common.Hash, peers ...string) (*Engine, *RootTracker) {
	t.Helper()
	tracker := NewRootTracker()
	if root != (common.Hash{}) {
		tracker.Set(root, 1)
	}
	e, err := New(cfg, store, client, tracker, log.Discard())
	require.NoError(t, err)
	for _, p := range peers {
		e.AddPeer(p)
	}
	t.Cleanup(func() { e.Close() })
	return e, tracker
}

// runToCompletion drives batches until the engine reports completion.
func runToCompletion(t *testing.T, e *Engine, maxBatches int) BatchResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := 0; i < maxBatches; i++ {
		res, err := e.RunBatch(ctx)
		require.NoError(t, err)
		if res.Done {
			return res
		}
	}
	t.Fatalf("sync not complete after %d batches, checkpoint %x", maxBatches, e.Checkpoint().LastCoveredKey)
	return BatchResult{}
}

// requireSynced checks that store holds exactly the accounts of s.
func requireSynced(t *testing.T, store AccountStore, s *testState) {
	t.Helper()
	for _, acc := range s.accounts {
		rec, err := store.Get(acc.key)
		require.NoError(t, err)
		require.NotNil(t, rec, "missing account %x", acc.key)
		require.Equal(t, acc.rec.Nonce, rec.Nonce)
		require.Equal(t, acc.rec.Balance, rec.Balance)
		require.Equal(t, acc.rec.CodeHash, rec.CodeHash)
		require.Equal(t, acc.rec.StorageRoot, rec.StorageRoot)
	}
	if len(s.accounts) > 0 {
		last, ok, err := store.LastKey()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, s.accounts[len(s.accounts)-1].key, last)
	}
}
