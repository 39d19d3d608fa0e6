package sync

import (
	"context"
	"errors"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestEngine_SyncsWholeState(t *testing.T) {
	s := newTestState(t, hashedKeys(500, 10))
	client := newCountingClient(0, s)
	store := newTestStore(t)
	e, _ := newTestEngine(t, testConfig(), store, client, s.root, "p1", "p2", "p3")

	res := runToCompletion(t, e, 1000)
	require.True(t, res.Progress.Complete())
	require.Equal(t, uint64(500), res.Progress.AccountsWritten)
	require.Equal(t, StateComplete, e.State())
	requireSynced(t, store, s)

	cp, ok, err := store.ReadCheckpoint()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, res.Progress, cp)

	cfg := testConfig()
	for _, req := range client.requests {
		require.Equal(t, s.root, req.Root)
		require.Equal(t, cfg.requestBytes(), req.ResponseBytes)
	}
}

func TestEngine_TruncatedResponsesContinue(t *testing.T) {
	s := newTestState(t, hashedKeys(120, 11))
	client := newCountingClient(5, s)
	store := newTestStore(t)
	e, _ := newTestEngine(t, testConfig(), store, client, s.root, "p1", "p2")

	res := runToCompletion(t, e, 2000)
	require.Equal(t, uint64(120), res.Progress.AccountsWritten)
	requireSynced(t, store, s)
	require.Greater(t, client.count(), 120/5)
}

func TestEngine_EmptyTrie(t *testing.T) {
	client := clientFunc(func(ctx context.Context, peer string, req *Request) (*Response, error) {
		return new(Response), nil
	})
	store := newTestStore(t)
	e, _ := newTestEngine(t, testConfig(), store, client, types.EmptyRootHash, "p1")

	res := runToCompletion(t, e, 200)
	require.Equal(t, uint64(0), res.Progress.AccountsWritten)
	empty, err := store.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)
}

// A range holding no accounts advances the checkpoint with nothing written.
func TestEngine_EmptyRangeAdvancesCheckpoint(t *testing.T) {
	s := newTestState(t, []common.Hash{highKey(0x90), highKey(0xa0)})
	client := newCountingClient(0, s)
	cfg := testConfig()
	cfg.DefaultRangeSize = new(uint256.Int).Lsh(uint256.NewInt(1), 254)
	cfg.MaxRangesPerBatch = 1
	cfg.BatchWait = 5 * time.Second
	store := newTestStore(t)
	e, _ := newTestEngine(t, cfg, store, client, s.root, "p1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := e.RunBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Applied)
	require.Equal(t, 0, res.Accounts)
	require.Equal(t, highKey(0x40), res.Progress.LastCoveredKey)
	require.Equal(t, uint64(0), res.Progress.AccountsWritten)

	// The boundary witness past the range is not persisted.
	rec, err := store.Get(highKey(0x90))
	require.NoError(t, err)
	require.Nil(t, rec)

	res = runToCompletion(t, e, 200)
	require.Equal(t, uint64(2), res.Progress.AccountsWritten)
	requireSynced(t, store, s)
}

// A later range answering first is held until the earlier one is applied.
func TestEngine_OutOfOrderResponsesHeld(t *testing.T) {
	keys := []common.Hash{highKey(0x10), highKey(0x20), highKey(0x90), highKey(0xa0)}
	s := newTestState(t, keys)
	release := make(chan struct{})
	client := clientFunc(func(ctx context.Context, peer string, req *Request) (*Response, error) {
		if req.Range.Start == MinKey {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return s.serve(req, 0), nil
	})
	cfg := testConfig()
	cfg.DefaultRangeSize = new(uint256.Int).Lsh(uint256.NewInt(1), 255)
	store := newTestStore(t)
	e, _ := newTestEngine(t, cfg, store, client, s.root, "p1", "p2")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 100 && e.Progress().Pending == 0; i++ {
		_, err := e.RunBatch(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, 1, e.Progress().Pending)
	require.Equal(t, 1, e.Progress().InFlight)

	require.Equal(t, MinKey, e.Checkpoint().LastCoveredKey)
	rec, err := store.Get(highKey(0x90))
	require.NoError(t, err)
	require.Nil(t, rec, "range B must not be persisted before range A")

	close(release)
	res := runToCompletion(t, e, 200)
	require.Equal(t, uint64(4), res.Progress.AccountsWritten)
	requireSynced(t, store, s)
}

// A peer serving forged data is penalized and the range is fetched again
// from another peer.
func TestEngine_RejectsBadProofs(t *testing.T) {
	s := newTestState(t, hashedKeys(200, 12))
	var (
		mu       gosync.Mutex
		rejected int
	)
	client := clientFunc(func(ctx context.Context, peer string, req *Request) (*Response, error) {
		resp := s.serve(req, 0)
		if peer == "bad" && len(resp.Accounts) >= 3 {
			mu.Lock()
			rejected++
			mu.Unlock()
			resp.Accounts = append(resp.Accounts[:1:1], resp.Accounts[2:]...)
		}
		return resp, nil
	})
	store := newTestStore(t)
	e, _ := newTestEngine(t, testConfig(), store, client, s.root, "bad", "good")

	res := runToCompletion(t, e, 2000)
	require.Equal(t, uint64(200), res.Progress.AccountsWritten)
	requireSynced(t, store, s)

	mu.Lock()
	require.Greater(t, rejected, 0)
	mu.Unlock()
	for _, p := range e.Peers() {
		if p.ID == "bad" {
			require.Greater(t, p.Failures, uint64(0))
		} else {
			require.Zero(t, p.Failures)
		}
	}
}

func TestEngine_FailedRequestsAreRetried(t *testing.T) {
	s := newTestState(t, hashedKeys(60, 13))
	var (
		mu    gosync.Mutex
		calls = make(map[uint64]int)
	)
	client := clientFunc(func(ctx context.Context, peer string, req *Request) (*Response, error) {
		mu.Lock()
		calls[req.ID]++
		n := calls[req.ID]
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("connection reset")
		}
		return s.serve(req, 0), nil
	})
	store := newTestStore(t)
	e, _ := newTestEngine(t, testConfig(), store, client, s.root, "p1", "p2")

	res := runToCompletion(t, e, 2000)
	require.Equal(t, uint64(60), res.Progress.AccountsWritten)
	requireSynced(t, store, s)

	mu.Lock()
	defer mu.Unlock()
	for id, n := range calls {
		require.Equal(t, 2, n, "request %d", id)
	}
}

// Three timeouts with three allowed attempts abandon the request on the
// third; with no reschedules allowed the batch fails.
func TestEngine_RetriesExhausted(t *testing.T) {
	var (
		mu    gosync.Mutex
		calls int
	)
	client := clientFunc(func(ctx context.Context, peer string, req *Request) (*Response, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := testConfig()
	cfg.MaxRetryAttempts = 3
	cfg.RequestTimeout = 20 * time.Millisecond
	cfg.MaxRangesPerBatch = 1
	cfg.MaxRangeReschedules = 0
	e, _ := newTestEngine(t, cfg, newTestStore(t), client, common.HexToHash("0x1234"), "p1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	for i := 0; i < 500 && err == nil; i++ {
		_, err = e.RunBatch(ctx)
	}
	require.Error(t, err)
	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	require.NotNil(t, batchErr.Range)
	require.Equal(t, MinKey, batchErr.Range.Start)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.ErrorIs(t, err, ErrRequestTimeout)
	require.ErrorIs(t, err, ErrReschedulesExceed)

	mu.Lock()
	require.Equal(t, 3, calls)
	mu.Unlock()
	require.Equal(t, MinKey, e.Checkpoint().LastCoveredKey)
}

func TestEngine_RootChangeDropsOldWork(t *testing.T) {
	old := newTestState(t, hashedKeys(50, 14))
	fresh := newTestState(t, hashedKeys(70, 15))

	var (
		mu    gosync.Mutex
		roots []common.Hash
	)
	client := clientFunc(func(ctx context.Context, peer string, req *Request) (*Response, error) {
		if req.Root == old.root {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		mu.Lock()
		roots = append(roots, req.Root)
		mu.Unlock()
		return fresh.serve(req, 0), nil
	})
	store := newTestStore(t)
	e, tracker := newTestEngine(t, testConfig(), store, client, old.root, "p1", "p2")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := e.RunBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, e.Progress().InFlight)
	require.Equal(t, old.root, e.Progress().Root)

	tracker.Set(fresh.root, 2)
	res := runToCompletion(t, e, 1000)
	require.Equal(t, uint64(70), res.Progress.AccountsWritten)
	requireSynced(t, store, fresh)

	mu.Lock()
	defer mu.Unlock()
	for _, r := range roots {
		require.Equal(t, fresh.root, r)
	}
}

func TestEngine_ResumeIsIdempotent(t *testing.T) {
	s := newTestState(t, hashedKeys(80, 16))
	store := newTestStore(t)

	// Sync part of the key space, then stop.
	cfg := testConfig()
	cfg.MaxRangesPerBatch = 1
	first := newCountingClient(0, s)
	e, _ := newTestEngine(t, cfg, store, first, s.root, "p1")
	ctx := context.Background()
	for e.Checkpoint().LastCoveredKey == MinKey {
		_, err := e.RunBatch(ctx)
		require.NoError(t, err)
	}
	partial := e.Checkpoint()
	require.NoError(t, e.Close())
	require.False(t, partial.Complete())

	_, err := e.RunBatch(ctx)
	require.ErrorIs(t, err, ErrEngineClosed)

	// A new engine resumes at the checkpoint.
	second := newCountingClient(0, s)
	resumed, _ := newTestEngine(t, testConfig(), store, second, s.root, "p1")
	require.Equal(t, partial, resumed.Checkpoint())
	res := runToCompletion(t, resumed, 1000)
	require.Equal(t, uint64(80), res.Progress.AccountsWritten)
	requireSynced(t, store, s)
	for _, req := range second.requests {
		require.GreaterOrEqual(t, CompareKeys(req.Range.Start, partial.LastCoveredKey), 0)
	}

	// Once complete, further batches do nothing.
	third := newCountingClient(0, s)
	done, _ := newTestEngine(t, testConfig(), store, third, s.root, "p1")
	require.Equal(t, StateComplete, done.State())
	for i := 0; i < 3; i++ {
		res, err := done.RunBatch(ctx)
		require.NoError(t, err)
		require.True(t, res.Done)
		require.Equal(t, uint64(80), res.Progress.AccountsWritten)
	}
	require.Equal(t, 0, third.count())
}

func TestEngine_Unwind(t *testing.T) {
	s := newTestState(t, hashedKeys(40, 17))
	store := newTestStore(t)
	e, _ := newTestEngine(t, testConfig(), store, newCountingClient(0, s), s.root, "p1")
	runToCompletion(t, e, 1000)

	mid := Checkpoint{LastCoveredKey: highKey(0x80)}
	for _, acc := range s.accounts {
		if CompareKeys(acc.key, mid.LastCoveredKey) < 0 {
			mid.AccountsWritten++
		}
	}
	require.NoError(t, e.Unwind(mid))
	require.Equal(t, mid, e.Checkpoint())
	last, ok, err := store.LastKey()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, -1, CompareKeys(last, mid.LastCoveredKey))

	require.ErrorIs(t, e.Unwind(Checkpoint{LastCoveredKey: MaxKey}), ErrInvalidUnwind)

	res := runToCompletion(t, e, 1000)
	require.Equal(t, uint64(40), res.Progress.AccountsWritten)
	requireSynced(t, store, s)

	require.NoError(t, e.Unwind(Checkpoint{}))
	empty, err := store.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)
	cp, ok, err := store.ReadCheckpoint()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Checkpoint{}, cp)
}

func TestEngine_NoPeersTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.NoPeerTimeout = 20 * time.Millisecond
	cfg.BatchWait = 5 * time.Millisecond
	e, _ := newTestEngine(t, cfg, newTestStore(t), newCountingClient(0), common.HexToHash("0x1"))

	ctx := context.Background()
	var err error
	for i := 0; i < 1000 && err == nil; i++ {
		_, err = e.RunBatch(ctx)
	}
	require.ErrorIs(t, err, ErrNoPeersAvailable)
}

func TestEngine_PeerDisconnectFailsInflight(t *testing.T) {
	s := newTestState(t, hashedKeys(30, 18))
	client := clientFunc(func(ctx context.Context, peer string, req *Request) (*Response, error) {
		if peer == "gone" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return s.serve(req, 0), nil
	})
	store := newTestStore(t)
	e, _ := newTestEngine(t, testConfig(), store, client, s.root, "gone")

	ctx := context.Background()
	_, err := e.RunBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, e.Progress().InFlight)

	e.RemovePeer("gone")
	e.AddPeer("p1")
	res := runToCompletion(t, e, 1000)
	require.Equal(t, uint64(30), res.Progress.AccountsWritten)
	requireSynced(t, store, s)
}

func TestEngine_WaitsForRoot(t *testing.T) {
	s := newTestState(t, hashedKeys(10, 19))
	client := newCountingClient(0, s)
	cfg := testConfig()
	cfg.BatchWait = time.Millisecond
	e, tracker := newTestEngine(t, cfg, newTestStore(t), client, common.Hash{}, "p1")

	res, err := e.RunBatch(context.Background())
	require.NoError(t, err)
	require.False(t, res.Done)
	require.Equal(t, StateIdle, e.State())
	require.Equal(t, 0, client.count())

	tracker.Set(s.root, 1)
	runToCompletion(t, e, 1000)
}

func TestEngine_RepairsAccountsBeyondCheckpoint(t *testing.T) {
	store := newTestStore(t)
	stray := record(0x70, 1)
	require.NoError(t, store.Put(stray.Key, &stray))

	e, _ := newTestEngine(t, testConfig(), store, newCountingClient(0), common.Hash{})
	require.Equal(t, Checkpoint{}, e.Checkpoint())
	empty, err := store.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)
}

func TestEngine_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	e, _ := newTestEngine(t, cfg, newTestStore(t), newCountingClient(0), common.HexToHash("0x1"), "p1")
	_, err := e.RunBatch(context.Background())
	require.ErrorIs(t, err, ErrSyncDisabled)
}

func TestEngine_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultRangeSize = uint256.NewInt(0)
	cfg.MinRangeSize = uint256.NewInt(0)
	_, err := New(cfg, newTestStore(t), newCountingClient(0), NewRootTracker(), nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEngine_Run(t *testing.T) {
	s := newTestState(t, hashedKeys(25, 20))
	store := newTestStore(t)
	e, _ := newTestEngine(t, testConfig(), store, newCountingClient(0, s), s.root, "p1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))
	requireSynced(t, store, s)

	p := e.Progress()
	require.Equal(t, 100.0, p.PercentComplete)
	require.Equal(t, time.Duration(0), p.ETA(time.Now()))
}

// flakyStore fails the first ApplyRange call.
type flakyStore struct {
	*DBStore
	failed atomic.Bool
}

var errDiskFull = errors.New("disk full")

func (s *flakyStore) ApplyRange(recs []AccountRecord, cp Checkpoint) error {
	if s.failed.CompareAndSwap(false, true) {
		return errDiskFull
	}
	return s.DBStore.ApplyRange(recs, cp)
}

// A store write failure surfaces once and the verified response is applied
// by a later batch without host intervention.
func TestEngine_StoreFailureKeepsResponse(t *testing.T) {
	s := newTestState(t, hashedKeys(100, 21))
	store := &flakyStore{DBStore: newTestStore(t)}
	e, _ := newTestEngine(t, testConfig(), store, newCountingClient(0, s), s.root, "p1", "p2")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	for i := 0; i < 200 && err == nil; i++ {
		_, err = e.RunBatch(ctx)
	}
	require.ErrorIs(t, err, errDiskFull)
	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	require.Equal(t, MinKey, batchErr.Range.Start)
	require.Equal(t, MinKey, e.Checkpoint().LastCoveredKey)
	require.GreaterOrEqual(t, e.Progress().Pending, 1)

	res := runToCompletion(t, e, 1000)
	require.Equal(t, uint64(100), res.Progress.AccountsWritten)
	requireSynced(t, store, s)
}

// While the lowest range stalls, requests in flight plus buffered
// responses stay within the configured bound.
func TestEngine_StalledHeadBoundsBuffer(t *testing.T) {
	s := newTestState(t, hashedKeys(300, 22))
	release := make(chan struct{})
	client := clientFunc(func(ctx context.Context, peer string, req *Request) (*Response, error) {
		if req.Range.Start == MinKey {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return s.serve(req, 0), nil
	})
	cfg := testConfig()
	cfg.DefaultRangeSize = new(uint256.Int).Lsh(uint256.NewInt(1), 248)
	cfg.MaxRangesPerBatch = 4
	cfg.MaxBufferedRanges = 8
	cfg.BatchWait = 5 * time.Millisecond
	store := newTestStore(t)
	e, _ := newTestEngine(t, cfg, store, client, s.root, "p1", "p2", "p3", "p4")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	buffered := func() int {
		p := e.Progress()
		return p.InFlight + p.Pending
	}
	for i := 0; i < 400 && e.Progress().Pending < 7; i++ {
		_, err := e.RunBatch(ctx)
		require.NoError(t, err)
		require.LessOrEqual(t, buffered(), 8)
	}
	require.Equal(t, 7, e.Progress().Pending)
	for i := 0; i < 50; i++ {
		_, err := e.RunBatch(ctx)
		require.NoError(t, err)
		require.LessOrEqual(t, buffered(), 8)
	}
	require.Equal(t, MinKey, e.Checkpoint().LastCoveredKey)

	close(release)
	res := runToCompletion(t, e, 5000)
	require.Equal(t, uint64(300), res.Progress.AccountsWritten)
	requireSynced(t, store, s)
}

// A response holding a nil account is rejected like malformed data.
func TestEngine_RejectsNilAccounts(t *testing.T) {
	s := newTestState(t, hashedKeys(100, 23))
	var (
		mu    gosync.Mutex
		holes int
	)
	client := clientFunc(func(ctx context.Context, peer string, req *Request) (*Response, error) {
		resp := s.serve(req, 0)
		if peer == "holey" {
			mu.Lock()
			holes++
			mu.Unlock()
			resp.Accounts = append(resp.Accounts, nil)
		}
		return resp, nil
	})
	store := newTestStore(t)
	e, _ := newTestEngine(t, testConfig(), store, client, s.root, "good", "holey")

	res := runToCompletion(t, e, 2000)
	require.Equal(t, uint64(100), res.Progress.AccountsWritten)
	requireSynced(t, store, s)

	mu.Lock()
	require.Greater(t, holes, 0)
	mu.Unlock()
	for _, p := range e.Peers() {
		if p.ID == "holey" {
			require.Greater(t, p.Failures, uint64(0))
		}
	}
}
