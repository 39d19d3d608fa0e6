package sync

import (
	gosync "sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

// RootSource yields the state root the engine should sync against.
type RootSource interface {
	// Latest returns the newest known root and its block number. ok is
	// false until the first root is known.
	Latest() (root common.Hash, number uint64, ok bool)
}

// HeaderFeed publishes new chain heads.
type HeaderFeed interface {
	SubscribeNewHead(ch chan<- *types.Header) event.Subscription
}

// RootTracker holds the latest target root. Updates arrive either directly
// through Update or from a header subscription. A header never replaces one
// with a higher block number.
type RootTracker struct {
	mu     gosync.RWMutex
	root   common.Hash
	number uint64
	known  bool

	quit chan struct{}
	wg   gosync.WaitGroup
	once gosync.Once
}

// NewRootTracker creates a tracker with no root.
func NewRootTracker() *RootTracker {
	return &RootTracker{quit: make(chan struct{})}
}

// Latest implements RootSource. It never blocks on updates in progress for
// longer than a field copy.
func (t *RootTracker) Latest() (common.Hash, uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root, t.number, t.known
}

// Update installs the root of h unless a newer header is already known.
// Headers at the same height replace each other, following reorgs.
func (t *RootTracker) Update(h *types.Header) bool {
	if h == nil {
		return false
	}
	var number uint64
	if h.Number != nil {
		number = h.Number.Uint64()
	}
	return t.Set(h.Root, number)
}

// Set installs root at the given block number unless a newer one is known.
func (t *RootTracker) Set(root common.Hash, number uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.known && number < t.number {
		return false
	}
	t.root, t.number, t.known = root, number, true
	return true
}

// SubscribeHeaders follows feed until Stop is called or the subscription
// fails.
func (t *RootTracker) SubscribeHeaders(feed HeaderFeed) {
	heads := make(chan *types.Header, 16)
	sub := feed.SubscribeNewHead(heads)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer sub.Unsubscribe()

		for {
			select {
			case h := <-heads:
				t.Update(h)
			case <-sub.Err():
				return
			case <-t.quit:
				return
			}
		}
	}()
}

// Stop ends every header subscription and waits for them to exit.
func (t *RootTracker) Stop() {
	t.once.Do(func() { close(t.quit) })
	t.wg.Wait()
}
