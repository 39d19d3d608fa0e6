// peer_selector.go implements peer choice for account range requests. Each
// peer carries exponentially weighted success and latency averages, folded
// into a single score that rises with reliability and falls with latency.
package sync

import (
	"sort"
	gosync "sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/eth2030/snapsync/metrics"
)

// PeerRecord is a snapshot of one peer's statistics.
type PeerRecord struct {
	ID          string
	SuccessRate float64
	Latency     time.Duration
	Requests    uint64
	Failures    uint64
}

// Score returns the selection score of the record.
func (r PeerRecord) Score() float64 {
	return Score(r.SuccessRate, r.Latency)
}

// Score combines a success rate in [0, 1] and a latency into a selection
// score. It never decreases when the success rate rises or the latency
// falls.
func Score(successRate float64, latency time.Duration) float64 {
	if latency < 0 {
		latency = 0
	}
	return successRate / (1 + latency.Seconds())
}

// SelectPeer returns the id of the highest scoring peer in pool. Ties are
// broken by the lowest id.
func SelectPeer(pool []PeerRecord) (string, error) {
	if len(pool) == 0 {
		return "", ErrNoPeersAvailable
	}
	best := pool[0]
	bestScore := best.Score()
	for _, p := range pool[1:] {
		score := p.Score()
		if score > bestScore || (score == bestScore && p.ID < best.ID) {
			best, bestScore = p, score
		}
	}
	return best.ID, nil
}

type peerStats struct {
	success  *metrics.EWMA
	latency  *metrics.EWMA // seconds
	requests uint64
	failures uint64
}

func (s *peerStats) record(id string) PeerRecord {
	return PeerRecord{
		ID:          id,
		SuccessRate: s.success.Value(),
		Latency:     time.Duration(s.latency.Value() * float64(time.Second)),
		Requests:    s.requests,
		Failures:    s.failures,
	}
}

// PeerSelector tracks the peer pool and picks the best peer for each
// request. Membership may change from any goroutine.
type PeerSelector struct {
	mu    gosync.RWMutex
	alpha float64
	peers map[string]*peerStats
}

// NewPeerSelector creates an empty pool whose averages use alpha.
func NewPeerSelector(alpha float64) *PeerSelector {
	return &PeerSelector{
		alpha: alpha,
		peers: make(map[string]*peerStats),
	}
}

// AddPeer registers a peer. New peers start with a perfect success rate and
// zero latency so they get tried. It returns false if the peer was known.
func (ps *PeerSelector) AddPeer(id string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, ok := ps.peers[id]; ok {
		return false
	}
	ps.peers[id] = &peerStats{
		success: metrics.NewEWMA(ps.alpha, 1),
		latency: metrics.NewEWMA(ps.alpha, 0),
	}
	return true
}

// RemovePeer drops a peer and its statistics.
func (ps *PeerSelector) RemovePeer(id string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, ok := ps.peers[id]; !ok {
		return false
	}
	delete(ps.peers, id)
	return true
}

// Has reports whether the peer is in the pool.
func (ps *PeerSelector) Has(id string) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	_, ok := ps.peers[id]
	return ok
}

// Len returns the pool size.
func (ps *PeerSelector) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}

// Peers returns all peers ordered by descending score, then id.
func (ps *PeerSelector) Peers() []PeerRecord {
	ps.mu.RLock()
	out := make([]PeerRecord, 0, len(ps.peers))
	for id, s := range ps.peers {
		out = append(out, s.record(id))
	}
	ps.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].Score(), out[j].Score()
		if si != sj {
			return si > sj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Select picks the best peer not in exclude. It fails with
// ErrNoPeersAvailable on an empty pool and ErrAllPeersBusy when every peer
// is excluded.
func (ps *PeerSelector) Select(exclude mapset.Set[string]) (string, error) {
	ps.mu.RLock()
	if len(ps.peers) == 0 {
		ps.mu.RUnlock()
		return "", ErrNoPeersAvailable
	}
	pool := make([]PeerRecord, 0, len(ps.peers))
	for id, s := range ps.peers {
		if exclude != nil && exclude.Contains(id) {
			continue
		}
		pool = append(pool, s.record(id))
	}
	ps.mu.RUnlock()

	if len(pool) == 0 {
		return "", ErrAllPeersBusy
	}
	return SelectPeer(pool)
}

// Update folds the outcome of one resolved request into the peer's
// averages. Unknown peers are ignored.
func (ps *PeerSelector) Update(id string, ok bool, latency time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	s, known := ps.peers[id]
	if !known {
		return
	}
	s.requests++
	if ok {
		s.success.Observe(1)
	} else {
		s.failures++
		s.success.Observe(0)
	}
	s.latency.Observe(latency.Seconds())
}

// Penalize records a data failure: the peer answered, but with a response
// that failed verification.
func (ps *PeerSelector) Penalize(id string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if s, ok := ps.peers[id]; ok {
		s.failures++
		s.success.Observe(0)
	}
}
