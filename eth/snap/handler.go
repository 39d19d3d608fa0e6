package snap

import (
	"fmt"
	gosync "sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/trie"
	"golang.org/x/time/rate"

	"github.com/eth2030/snapsync/log"
	"github.com/eth2030/snapsync/sync"
)

var (
	servedRequestMeter = metrics.NewRegisteredMeter("snap/server/requests", nil)
	servedAccountMeter = metrics.NewRegisteredMeter("snap/server/accounts", nil)
	servedBytesMeter   = metrics.NewRegisteredMeter("snap/server/bytes", nil)
	unknownRootCounter = metrics.NewRegisteredCounter("snap/server/unknownroot", nil)
	throttledCounter   = metrics.NewRegisteredCounter("snap/server/throttled", nil)
)

// RequestThrottler gives every peer a token bucket refilled at perSecond
// requests per second and holding at most burst tokens.
type RequestThrottler struct {
	mu       gosync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRequestThrottler creates a throttler.
func NewRequestThrottler(perSecond float64, burst int) *RequestThrottler {
	return &RequestThrottler{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow takes a token from peer's bucket, reporting whether one was left.
func (rt *RequestThrottler) Allow(peer string) bool {
	rt.mu.Lock()
	l, ok := rt.limiters[peer]
	if !ok {
		l = rate.NewLimiter(rt.limit, rt.burst)
		rt.limiters[peer] = l
	}
	rt.mu.Unlock()
	return l.Allow()
}

// RemovePeer drops the bucket of a disconnected peer.
func (rt *RequestThrottler) RemovePeer(peer string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.limiters, peer)
}

// Handler serves account ranges out of the state tries it knows about.
type Handler struct {
	mu        gosync.RWMutex
	tries     map[common.Hash]*trie.Trie
	throttler *RequestThrottler
	stopped   bool
	log       *log.Logger
}

// NewHandler creates a handler. A nil throttler disables throttling.
func NewHandler(throttler *RequestThrottler, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		tries:     make(map[common.Hash]*trie.Trie),
		throttler: throttler,
		log:       logger.Module("snap"),
	}
}

// AddState makes the committed state trie tr servable under its root hash.
func (h *Handler) AddState(tr *trie.Trie) common.Hash {
	root := tr.Hash()
	h.mu.Lock()
	h.tries[root] = tr
	h.mu.Unlock()
	return root
}

// DropState stops serving root.
func (h *Handler) DropState(root common.Hash) {
	h.mu.Lock()
	delete(h.tries, root)
	h.mu.Unlock()
}

// HasState reports whether root is served.
func (h *Handler) HasState(root common.Hash) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.tries[root]
	return ok
}

// DropPeer forgets the request history of a disconnected peer.
func (h *Handler) DropPeer(peer string) {
	if h.throttler != nil {
		h.throttler.RemovePeer(peer)
	}
}

// Stop makes every further request fail.
func (h *Handler) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
}

// HandleMsg answers one GetAccountRange message from peer.
func (h *Handler) HandleMsg(peer string, msg Msg) (Msg, error) {
	var req GetAccountRangePacket
	if err := decodeMsg(msg, GetAccountRangeMsg, &req); err != nil {
		return Msg{}, err
	}
	resp, err := h.ServeAccountRange(peer, &req)
	if err != nil {
		return Msg{}, err
	}
	return encodeMsg(AccountRangeMsg, resp)
}

// ServeAccountRange collects the accounts of [Origin, Limit] in hash order.
// Collection stops after the first account at or past Limit, at the byte
// budget or at MaxAccountRangeResponse accounts. The response carries the
// proofs of Origin and of the last returned account. An unknown root yields
// an empty response without proofs.
func (h *Handler) ServeAccountRange(peer string, req *GetAccountRangePacket) (*AccountRangePacket, error) {
	h.mu.RLock()
	stopped := h.stopped
	tr := h.tries[req.Root]
	if tr != nil {
		// Reads update cached hashes, so each request works on its own copy.
		tr = tr.Copy()
	}
	h.mu.RUnlock()

	if stopped {
		return nil, ErrHandlerStopped
	}
	if h.throttler != nil && !h.throttler.Allow(peer) {
		throttledCounter.Inc(1)
		return nil, ErrRequestThrottle
	}
	servedRequestMeter.Mark(1)

	resp := &AccountRangePacket{ID: req.ID}
	if tr == nil {
		unknownRootCounter.Inc(1)
		h.log.Debug("Account range for unknown root", "peer", peer, "root", req.Root)
		return resp, nil
	}
	budget := req.Bytes
	if budget > softResponseLimit {
		budget = softResponseLimit
	}

	nodeIt, err := tr.NodeIterator(req.Origin[:])
	if err != nil {
		return nil, fmt.Errorf("snap: open iterator at %x: %w", req.Origin, err)
	}
	var (
		it   = trie.NewIterator(nodeIt)
		size uint64
		last common.Hash
	)
	for it.Next() {
		hash := common.BytesToHash(it.Key)
		rec, err := sync.DecodeFullAccount(hash, it.Value)
		if err != nil {
			return nil, fmt.Errorf("snap: account %x: %w", hash, err)
		}
		body := sync.EncodeAccount(&rec)
		resp.Accounts = append(resp.Accounts, &sync.AccountData{Hash: hash, Body: body})
		size += uint64(common.HashLength + len(body))
		last = hash

		if sync.CompareKeys(hash, req.Limit) >= 0 {
			break
		}
		if size >= budget || len(resp.Accounts) >= MaxAccountRangeResponse {
			break
		}
	}
	if it.Err != nil {
		return nil, fmt.Errorf("snap: iterate %x: %w", req.Root, it.Err)
	}

	proof := memorydb.New()
	if err := tr.Prove(req.Origin[:], proof); err != nil {
		return nil, fmt.Errorf("snap: prove origin %x: %w", req.Origin, err)
	}
	if len(resp.Accounts) > 0 {
		if err := tr.Prove(last[:], proof); err != nil {
			return nil, fmt.Errorf("snap: prove last %x: %w", last, err)
		}
	}
	pit := proof.NewIterator(nil, nil)
	for pit.Next() {
		resp.Proof = append(resp.Proof, common.CopyBytes(pit.Value()))
	}
	pit.Release()

	for _, node := range resp.Proof {
		size += uint64(len(node))
	}
	servedAccountMeter.Mark(int64(len(resp.Accounts)))
	servedBytesMeter.Mark(int64(size))
	return resp, nil
}
