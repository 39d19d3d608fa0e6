// engine.go implements the account range sync engine. Each batch runs an
// asynchronous phase, which dispatches requests and collects responses
// without touching the store, followed by a synchronous phase, which
// verifies responses in key order and persists them together with the
// advanced checkpoint. Persisted coverage is always a contiguous prefix of
// the key space.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/eth2030/snapsync/log"
)

// State is the engine's position in its batch cycle.
type State uint32

const (
	StateIdle State = iota
	StateScheduling
	StateAwaitingResponses
	StateApplying
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduling:
		return "scheduling"
	case StateAwaitingResponses:
		return "awaiting"
	case StateApplying:
		return "applying"
	case StateComplete:
		return "complete"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

type inflightRequest struct {
	req  *Request
	peer string
}

type batchStats struct {
	applied  int
	accounts int
}

// Engine drives account range sync against one target root at a time. It
// is driven by a single host goroutine; only State and the peer membership
// methods may be called concurrently.
type Engine struct {
	cfg   Config
	store AccountStore
	roots RootSource
	log   *log.Logger

	dispatcher *Dispatcher
	scheduler  *RangeScheduler
	sizer      *RangeSizer
	peers      *PeerSelector
	retries    *RetryController
	pending    *pendingQueue

	inflight    map[uint64]*inflightRequest
	busy        mapset.Set[string]
	excluded    map[common.Hash]mapset.Set[string] // peers that served bad data, by range start
	reschedules map[common.Hash]int                // re-derivations, by range start

	state        atomic.Uint32
	root         common.Hash
	rootNumber   uint64
	checkpoint   Checkpoint
	nextID       uint64
	noPeersSince time.Time
	startTime    time.Time
	emptyBatches int
	batch        batchStats
	closed       bool

	now func() time.Time
}

// New creates an engine resuming from the checkpoint persisted in store.
// Accounts found beyond the checkpoint are removed, restoring the
// contiguous coverage invariant.
func New(cfg Config, store AccountStore, client PeerClient, roots RootSource, logger *log.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	e := &Engine{
		cfg:         cfg,
		store:       store,
		roots:       roots,
		log:         logger.Module("snapsync"),
		dispatcher:  NewDispatcher(client, cfg.responseCap()),
		sizer:       NewRangeSizer(&cfg),
		peers:       NewPeerSelector(cfg.PeerScoreAlpha),
		retries:     NewRetryController(cfg.MaxRetryAttempts, cfg.RequestTimeout, cfg.RetryBaseDelay, cfg.MaxRetryDelay),
		pending:     newPendingQueue(),
		inflight:    make(map[uint64]*inflightRequest),
		busy:        mapset.NewThreadUnsafeSet[string](),
		excluded:    make(map[common.Hash]mapset.Set[string]),
		reschedules: make(map[common.Hash]int),
		startTime:   time.Now(),
		now:         time.Now,
	}
	cp, ok, err := store.ReadCheckpoint()
	if err != nil {
		return nil, fmt.Errorf("snap sync: read checkpoint: %w", err)
	}
	if err := e.repairStore(cp, ok); err != nil {
		return nil, err
	}
	e.checkpoint = cp
	e.scheduler = NewRangeScheduler(cp.LastCoveredKey, MaxKey)
	if cp.Complete() {
		e.setState(StateComplete)
	}
	if ok {
		e.log.Info("Resuming account sync", "cursor", cp.LastCoveredKey, "accounts", cp.AccountsWritten)
	}
	return e, nil
}

func (e *Engine) repairStore(cp Checkpoint, ok bool) error {
	if cp.Complete() {
		return nil
	}
	last, has, err := e.store.LastKey()
	if err != nil {
		return err
	}
	if !has || (ok && CompareKeys(last, cp.LastCoveredKey) < 0) {
		return nil
	}
	e.log.Warn("Dropping accounts beyond checkpoint", "cursor", cp.LastCoveredKey, "last", last)
	return e.store.ClearFrom(cp.LastCoveredKey)
}

// State returns the current engine state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(uint32(s))
}

// Checkpoint returns the last applied checkpoint.
func (e *Engine) Checkpoint() Checkpoint { return e.checkpoint }

// AddPeer adds a peer to the pool. Safe for concurrent use.
func (e *Engine) AddPeer(id string) bool { return e.peers.AddPeer(id) }

// RemovePeer removes a peer from the pool. A request in flight to it is
// failed at the next poll. Safe for concurrent use.
func (e *Engine) RemovePeer(id string) bool { return e.peers.RemovePeer(id) }

// Peers returns the pool ordered by score.
func (e *Engine) Peers() []PeerRecord { return e.peers.Peers() }

// RunBatch performs one step of the sync: read the target root, dispatch
// work, wait briefly for responses and apply whatever extends the covered
// prefix. Progress is returned even when err is not nil.
func (e *Engine) RunBatch(ctx context.Context) (BatchResult, error) {
	e.batch = batchStats{}
	if e.closed {
		return e.result(), ErrEngineClosed
	}
	if !e.cfg.Enabled {
		return e.result(), ErrSyncDisabled
	}
	if e.checkpoint.Complete() {
		e.setState(StateComplete)
		return e.result(), nil
	}
	if !e.refreshRoot() {
		e.setState(StateIdle)
		e.log.Debug("Waiting for target root")
		e.sleep(ctx, e.cfg.BatchWait)
		return e.result(), ctx.Err()
	}
	if err := e.Poll(ctx); err != nil {
		return e.result(), err
	}
	e.wait(ctx)
	if err := ctx.Err(); err != nil {
		return e.result(), err
	}
	if err := e.Poll(ctx); err != nil {
		return e.result(), err
	}
	if err := e.ApplyReady(); err != nil {
		return e.result(), err
	}
	if e.sizer.Adjust() {
		rate, latency := e.sizer.Stats()
		e.log.Debug("Adjusted range size", "bits", e.sizer.Hint().BitLen(), "success", rate, "latency", latency)
	}
	sizeHintGauge.Update(int64(e.sizer.Hint().BitLen()))

	res := e.result()
	switch {
	case res.Done:
		e.finish()
	case e.batch.accounts == 0 && len(e.inflight) == 0 && e.pending.len() == 0:
		// Nothing verified and nothing outstanding: the root is likely no
		// longer served. The next batch rereads it before scheduling.
		e.emptyBatches++
		e.log.Debug("Batch made no progress", "empty", e.emptyBatches, "root", e.root)
	default:
		e.emptyBatches = 0
		if e.batch.applied > 0 {
			e.log.Info("Synced account ranges", "ranges", e.batch.applied, "accounts", e.batch.accounts,
				"total", e.checkpoint.AccountsWritten, "cursor", e.checkpoint.LastCoveredKey,
				"percent", fmt.Sprintf("%.2f", 100*KeyFraction(e.checkpoint.LastCoveredKey)))
		}
	}
	return res, nil
}

func (e *Engine) result() BatchResult {
	return BatchResult{
		Progress: e.checkpoint,
		Done:     e.checkpoint.Complete(),
		Applied:  e.batch.applied,
		Accounts: e.batch.accounts,
	}
}

func (e *Engine) finish() {
	e.resetWork()
	e.setState(StateComplete)
	e.log.Info("Account sync complete", "accounts", e.checkpoint.AccountsWritten, "root", e.root,
		"elapsed", common.PrettyDuration(time.Since(e.startTime)))
}

// refreshRoot reads the target root. A changed root drops every request
// and response of the old root so no batch mixes data of two roots.
func (e *Engine) refreshRoot() bool {
	root, number, ok := e.roots.Latest()
	if !ok || root == (common.Hash{}) {
		return false
	}
	if root == e.root {
		return true
	}
	if e.root != (common.Hash{}) {
		rootChangeCounter.Inc(1)
		e.log.Info("Target state root changed", "old", e.root, "new", root, "number", number)
		e.resetWork()
	} else {
		e.log.Info("Syncing accounts", "root", root, "number", number, "cursor", e.checkpoint.LastCoveredKey)
	}
	e.root, e.rootNumber = root, number
	return true
}

// resetWork abandons all outstanding work and rewinds scheduling to the
// checkpoint.
func (e *Engine) resetWork() {
	e.dispatcher.AbandonAll()
	e.inflight = make(map[uint64]*inflightRequest)
	e.busy.Clear()
	e.pending.clear()
	e.retries.Reset()
	e.scheduler.Reset(e.checkpoint.LastCoveredKey)
	e.excluded = make(map[common.Hash]mapset.Set[string])
	e.reschedules = make(map[common.Hash]int)
	inflightGauge.Update(0)
}

// Poll runs the asynchronous phase: it collects resolved requests, routes
// failures and timeouts to the retry controller and dispatches retries and
// new ranges up to the concurrency limit. It never writes to the store.
func (e *Engine) Poll(ctx context.Context) error {
	if e.closed {
		return ErrEngineClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.checkpoint.Complete() || e.root == (common.Hash{}) {
		return nil
	}
	now := e.now()

	e.setState(StateAwaitingResponses)
	for _, f := range e.dispatcher.Collect() {
		if err := e.resolve(f, now); err != nil {
			return err
		}
	}
	for _, id := range e.retries.Expired(now) {
		if _, ok := e.inflight[id]; !ok {
			e.retries.Forget(id)
			continue
		}
		e.dispatcher.Abandon(id)
		timeoutCounter.Inc(1)
		if err := e.fail(id, ErrRequestTimeout, e.cfg.RequestTimeout, now); err != nil {
			return err
		}
	}
	if err := e.dropDisconnected(now); err != nil {
		return err
	}
	e.setState(StateScheduling)
	err := e.schedule(now)
	inflightGauge.Update(int64(len(e.inflight)))
	return err
}

func (e *Engine) resolve(f *Future, now time.Time) error {
	id := f.Request.ID
	inf, ok := e.inflight[id]
	if !ok || inf.peer != f.Peer {
		return nil
	}
	resp, _, err := f.Poll()
	latency := f.Latency()
	requestTimer.Update(latency)

	if err == nil {
		err = checkResponse(f.Request, resp)
	}
	if err != nil && !IsDataError(err) {
		return e.fail(id, err, latency, now)
	}
	delete(e.inflight, id)
	e.busy.Remove(inf.peer)
	e.retries.Succeeded(id)

	item := &pendingResponse{req: inf.req, peer: inf.peer, resp: resp, latency: latency}
	if err != nil {
		return e.reject(item, err)
	}
	e.peers.Update(inf.peer, true, latency)
	e.sizer.Record(true, latency)
	e.pending.push(item)
	return nil
}

// checkResponse rejects responses that cannot be verified at all.
func checkResponse(req *Request, resp *Response) error {
	if len(resp.Accounts) == 0 && len(resp.Proof) == 0 && req.Root != types.EmptyRootHash {
		return fmt.Errorf("%w: root %x", ErrPeerRejected, req.Root)
	}
	for i, acc := range resp.Accounts {
		if acc == nil {
			return fmt.Errorf("%w: missing account at index %d", ErrDecodeAccount, i)
		}
	}
	return nil
}

// fail hands a failed in-flight request to the retry controller. Abandoned
// requests have their range re-derived.
func (e *Engine) fail(id uint64, cause error, latency time.Duration, now time.Time) error {
	inf, ok := e.inflight[id]
	if !ok {
		return nil
	}
	delete(e.inflight, id)
	e.busy.Remove(inf.peer)
	failureCounter.Inc(1)
	e.peers.Update(inf.peer, false, latency)
	e.sizer.Record(false, latency)

	d := e.retries.Failed(id, now)
	if !d.Abandoned {
		retryCounter.Inc(1)
		logFn := e.log.Debug
		if !IsNetworkError(cause) {
			logFn = e.log.Warn
		}
		logFn("Account range request failed", "id", id, "peer", inf.peer, "range", inf.req.Range,
			"attempt", d.Attempts, "retry", d.RetryAt.Sub(now), "err", cause)
		return nil
	}
	abandonCounter.Inc(1)
	e.log.Warn("Account range request abandoned", "id", id, "peer", inf.peer, "range", inf.req.Range,
		"attempts", d.Attempts, "err", cause)
	return e.reschedule(inf.req.Range, fmt.Errorf("%w: %w", ErrRetriesExhausted, cause))
}

// reschedule queues rng for a fresh request unless it was re-derived too
// often already.
func (e *Engine) reschedule(rng Range, cause error) error {
	e.reschedules[rng.Start]++
	if n := e.reschedules[rng.Start]; n > e.cfg.MaxRangeReschedules {
		return newBatchError(&rng, fmt.Errorf("%w (%d times): %w", ErrReschedulesExceed, n-1, cause))
	}
	e.scheduler.Requeue(rng)
	return nil
}

func (e *Engine) dropDisconnected(now time.Time) error {
	var gone []uint64
	for id, inf := range e.inflight {
		if !e.peers.Has(inf.peer) {
			gone = append(gone, id)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })
	for _, id := range gone {
		e.dispatcher.Abandon(id)
		peer := e.inflight[id].peer
		if err := e.fail(id, fmt.Errorf("%w: %s", ErrPeerDisconnected, peer), 0, now); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) schedule(now time.Time) error {
	if e.peers.Len() == 0 {
		if e.noPeersSince.IsZero() {
			e.noPeersSince = now
		}
		if waited := now.Sub(e.noPeersSince); waited > e.cfg.NoPeerTimeout {
			return newBatchError(nil, fmt.Errorf("%w for %v", ErrNoPeersAvailable, common.PrettyDuration(waited)))
		}
		return nil
	}
	e.noPeersSince = time.Time{}

	for _, entry := range e.retries.Due(now) {
		if len(e.inflight) >= e.cfg.MaxRangesPerBatch {
			return nil
		}
		peer, err := e.peers.Select(e.exclusion(entry.Request.Range))
		if err != nil {
			continue
		}
		e.send(peer, entry.Request, now)
	}
	for len(e.inflight) < e.cfg.MaxRangesPerBatch {
		// Requeued ranges lie below the cursor and unblock the buffer, so
		// only fresh ranges wait for it to drain.
		if e.scheduler.Requeued() == 0 && len(e.inflight)+e.pending.len() >= e.cfg.MaxBufferedRanges {
			return nil
		}
		rng, ok, err := e.scheduler.Next(e.sizer.Hint())
		if err != nil {
			return newBatchError(nil, err)
		}
		if !ok {
			return nil
		}
		peer, err := e.peers.Select(e.exclusion(rng))
		if err != nil {
			e.scheduler.Requeue(rng)
			return nil
		}
		e.nextID++
		e.send(peer, &Request{
			ID:            e.nextID,
			Root:          e.root,
			Range:         rng,
			ResponseBytes: e.cfg.requestBytes(),
		}, now)
	}
	return nil
}

// exclusion returns the peers that must not serve rng: busy peers and peers
// that already served bad data for it. Once every peer served bad data for
// a range, they all get another chance.
func (e *Engine) exclusion(rng Range) mapset.Set[string] {
	bad, ok := e.excluded[rng.Start]
	if !ok {
		return e.busy
	}
	for _, p := range e.peers.Peers() {
		if !bad.Contains(p.ID) {
			return e.busy.Union(bad)
		}
	}
	delete(e.excluded, rng.Start)
	return e.busy
}

func (e *Engine) send(peer string, req *Request, now time.Time) {
	e.inflight[req.ID] = &inflightRequest{req: req, peer: peer}
	e.busy.Add(peer)
	e.retries.Track(req, peer, now)
	e.dispatcher.Dispatch(peer, req)
	requestCounter.Inc(1)
	e.log.Debug("Requesting account range", "id", req.ID, "peer", peer, "range", req.Range, "root", req.Root)
}

// wait blocks until a request resolves, the nearest deadline or retry comes
// up, the batch wait elapses or ctx is done.
func (e *Engine) wait(ctx context.Context) {
	if e.readyToApply() {
		return
	}
	d := e.cfg.BatchWait
	if next, ok := e.retries.NextWake(); ok {
		if until := next.Sub(e.now()); until < d {
			d = until
		}
	}
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-e.dispatcher.Notify():
	case <-timer.C:
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (e *Engine) readyToApply() bool {
	item, ok := e.pending.peek()
	return ok && item.req.Range.Start == e.checkpoint.LastCoveredKey
}

// ApplyReady runs the synchronous phase: it applies pending responses in
// ascending key order for as long as the lowest one continues the covered
// prefix. A response failing verification is discarded whole; its range
// is fetched again from a different peer.
func (e *Engine) ApplyReady() error {
	if e.closed {
		return ErrEngineClosed
	}
	e.setState(StateApplying)
	for {
		item, ok := e.pending.peek()
		if !ok {
			break
		}
		if c := CompareKeys(item.req.Range.Start, e.checkpoint.LastCoveredKey); c > 0 {
			break
		} else if c < 0 {
			// Already covered, can only be a leftover of older work.
			e.pending.pop()
			continue
		}
		e.pending.pop()

		n, err := e.apply(item)
		if err != nil {
			if !IsDataError(err) {
				// Keep the verified response; the next batch applies it again.
				e.pending.push(item)
				return newBatchError(&item.req.Range, err)
			}
			if err := e.reject(item, err); err != nil {
				return err
			}
			break
		}
		e.batch.applied++
		e.batch.accounts += n
	}
	if e.checkpoint.Complete() {
		e.setState(StateComplete)
	} else {
		e.setState(StateScheduling)
	}
	return nil
}

// apply verifies one response and persists its in-range accounts along with
// the advanced checkpoint. It returns the number of accounts written.
func (e *Engine) apply(item *pendingResponse) (int, error) {
	rng := item.req.Range
	resp := item.resp

	keys := make([][]byte, len(resp.Accounts))
	values := make([][]byte, len(resp.Accounts))
	for i, acc := range resp.Accounts {
		full, err := types.FullAccountRLP(acc.Body)
		if err != nil {
			return 0, fmt.Errorf("%w: account %x: %v", ErrDecodeAccount, acc.Hash, err)
		}
		keys[i] = common.CopyBytes(acc.Hash[:])
		values[i] = full
	}
	more, err := VerifyAccountRange(item.req.Root, rng, keys, values, resp.Proof)
	if err != nil {
		proofFailCounter.Inc(1)
		return 0, err
	}

	// Accounts past the range end only witness that the range is complete.
	recs := make([]AccountRecord, 0, len(resp.Accounts))
	var size int
	for _, acc := range resp.Accounts {
		if !rng.Contains(acc.Hash) {
			break
		}
		rec, err := DecodeAccount(acc.Hash, acc.Body)
		if err != nil {
			return 0, err
		}
		recs = append(recs, rec)
		size += len(acc.Body)
	}

	next, truncated := rng.End, false
	if more && len(recs) > 0 && len(recs) == len(resp.Accounts) {
		if last := recs[len(recs)-1].Key; last != rng.Limit() {
			next, _ = IncrementKey(last)
			truncated = true
		}
	}
	cp := Checkpoint{
		LastCoveredKey:  next,
		AccountsWritten: e.checkpoint.AccountsWritten + uint64(len(recs)),
	}
	if err := e.store.ApplyRange(recs, cp); err != nil {
		return 0, err
	}
	e.checkpoint = cp
	delete(e.reschedules, rng.Start)
	delete(e.excluded, rng.Start)
	if truncated {
		e.scheduler.Requeue(Range{Start: next, End: rng.End})
	}
	accountSyncedMeter.Mark(int64(len(recs)))
	accountBytesMeter.Mark(int64(size))
	e.log.Debug("Applied account range", "range", rng, "peer", item.peer, "accounts", len(recs),
		"truncated", truncated, "cursor", next)
	return len(recs), nil
}

// reject penalizes the peer that served a bad response and re-derives the
// range for another peer.
func (e *Engine) reject(item *pendingResponse, cause error) error {
	rng := item.req.Range
	e.peers.Penalize(item.peer)
	bad, ok := e.excluded[rng.Start]
	if !ok {
		bad = mapset.NewThreadUnsafeSet[string]()
		e.excluded[rng.Start] = bad
	}
	bad.Add(item.peer)
	e.log.Warn("Rejected account range response", "peer", item.peer, "range", rng, "err", cause)
	return e.reschedule(rng, cause)
}

// Unwind discards coverage at and above to.LastCoveredKey, drops all
// outstanding work and persists to as the checkpoint.
func (e *Engine) Unwind(to Checkpoint) error {
	if e.closed {
		return ErrEngineClosed
	}
	if CompareKeys(to.LastCoveredKey, e.checkpoint.LastCoveredKey) > 0 {
		return fmt.Errorf("%w: target %x, checkpoint %x", ErrInvalidUnwind, to.LastCoveredKey, e.checkpoint.LastCoveredKey)
	}
	e.checkpoint = to
	e.resetWork()
	if err := e.store.ClearFrom(to.LastCoveredKey); err != nil {
		return err
	}
	if err := e.store.WriteCheckpoint(to); err != nil {
		return err
	}
	e.setState(StateIdle)
	if to.Complete() {
		e.setState(StateComplete)
	}
	e.log.Info("Unwound account sync", "cursor", to.LastCoveredKey, "accounts", to.AccountsWritten)
	return nil
}

// Close abandons outstanding work and stops all request goroutines. The
// persisted checkpoint keeps its last applied value.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.dispatcher.Close()
	e.resetWork()
	if !e.checkpoint.Complete() {
		e.setState(StateIdle)
	}
	return nil
}

// Run drives RunBatch until the sync completes, ctx is done or a batch
// fails.
func (e *Engine) Run(ctx context.Context) error {
	for {
		res, err := e.RunBatch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return err
		}
		if res.Done {
			return nil
		}
	}
}
