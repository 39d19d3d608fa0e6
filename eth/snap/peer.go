package snap

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	gosync "sync"
	"time"

	"github.com/eth2030/snapsync/sync"
)

var errInjectedFailure = errors.New("snap: injected peer failure")

// Faults configures misbehaviour of a LocalPeer. Rates are probabilities
// in [0, 1] evaluated per request.
type Faults struct {
	Latency     time.Duration // added before every answer
	FailRate    float64       // answer with an error
	DropRate    float64       // never answer
	CorruptRate float64       // answer with a broken range
}

// LocalPeer is an in-process snap peer backed by a Handler.
type LocalPeer struct {
	id      string
	handler *Handler
	faults  Faults

	mu  gosync.Mutex
	rnd *rand.Rand
}

// NewLocalPeer creates a peer serving from handler. seed fixes the fault
// sequence.
func NewLocalPeer(id string, handler *Handler, faults Faults, seed uint64) *LocalPeer {
	return &LocalPeer{
		id:      id,
		handler: handler,
		faults:  faults,
		rnd:     rand.New(rand.NewPCG(seed, seed^0x5eed)),
	}
}

// ID returns the peer id.
func (p *LocalPeer) ID() string { return p.id }

func (p *LocalPeer) roll(rate float64) bool {
	if rate <= 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rnd.Float64() < rate
}

// exchange sends msg to the peer and waits for its answer.
func (p *LocalPeer) exchange(ctx context.Context, msg Msg) (Msg, error) {
	if p.faults.Latency > 0 {
		timer := time.NewTimer(p.faults.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Msg{}, ctx.Err()
		case <-timer.C:
		}
	}
	if p.roll(p.faults.DropRate) {
		<-ctx.Done()
		return Msg{}, ctx.Err()
	}
	if p.roll(p.faults.FailRate) {
		return Msg{}, errInjectedFailure
	}
	resp, err := p.handler.HandleMsg(p.id, msg)
	if err != nil {
		return Msg{}, err
	}
	if p.roll(p.faults.CorruptRate) {
		return corrupt(resp)
	}
	return resp, nil
}

// corrupt removes an account from the middle of a response, or the proof
// when there are too few accounts.
func corrupt(msg Msg) (Msg, error) {
	var packet AccountRangePacket
	if err := decodeMsg(msg, AccountRangeMsg, &packet); err != nil {
		return Msg{}, err
	}
	switch {
	case len(packet.Accounts) >= 3:
		packet.Accounts = append(packet.Accounts[:1:1], packet.Accounts[2:]...)
	case len(packet.Proof) > 0:
		packet.Proof = packet.Proof[1:]
	}
	return encodeMsg(AccountRangeMsg, &packet)
}

// Network connects the sync engine to a set of local peers. It implements
// sync.PeerClient.
type Network struct {
	mu    gosync.RWMutex
	peers map[string]*LocalPeer
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{peers: make(map[string]*LocalPeer)}
}

// Connect adds peer to the network.
func (n *Network) Connect(peer *LocalPeer) {
	n.mu.Lock()
	n.peers[peer.id] = peer
	n.mu.Unlock()
}

// Disconnect removes the peer with the given id.
func (n *Network) Disconnect(id string) {
	n.mu.Lock()
	p := n.peers[id]
	delete(n.peers, id)
	n.mu.Unlock()
	if p != nil {
		p.handler.DropPeer(id)
	}
}

// Peers returns the connected peer ids in sorted order.
func (n *Network) Peers() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	ids := make([]string, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RequestAccountRange implements sync.PeerClient. The request and response
// travel RLP encoded, as they would on the wire.
func (n *Network) RequestAccountRange(ctx context.Context, peer string, req *sync.Request) (*sync.Response, error) {
	n.mu.RLock()
	p := n.peers[peer]
	n.mu.RUnlock()
	if p == nil {
		return nil, fmt.Errorf("%w: %s", sync.ErrPeerDisconnected, peer)
	}
	msg, err := encodeMsg(GetAccountRangeMsg, NewGetAccountRangePacket(req))
	if err != nil {
		return nil, err
	}
	reply, err := p.exchange(ctx, msg)
	if errors.Is(err, ErrRequestThrottle) {
		return nil, fmt.Errorf("%w: %w", sync.ErrPeerRejected, err)
	}
	if err != nil {
		return nil, err
	}
	var packet AccountRangePacket
	if err := decodeMsg(reply, AccountRangeMsg, &packet); err != nil {
		return nil, err
	}
	if packet.ID != req.ID {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrMismatchedID, packet.ID, req.ID)
	}
	return packet.Response(), nil
}
