// dispatcher.go issues account range requests on background goroutines and
// hands their results back to the engine through non-blocking futures.
package sync

import (
	"context"
	"fmt"
	"sort"
	gosync "sync"
	"time"
)

// PeerClient sends one account range request to one peer. Implementations
// must eventually return, either with a response or an error; they should
// return promptly once ctx is cancelled.
type PeerClient interface {
	RequestAccountRange(ctx context.Context, peer string, req *Request) (*Response, error)
}

// Future is the pending result of one dispatched request.
type Future struct {
	Request *Request
	Peer    string
	Sent    time.Time

	cancel  context.CancelFunc
	done    chan struct{}
	resp    *Response
	err     error
	latency time.Duration
}

// Poll returns the result if the request has resolved. It never blocks.
func (f *Future) Poll() (*Response, bool, error) {
	select {
	case <-f.done:
		return f.resp, true, f.err
	default:
		return nil, false, nil
	}
}

// Done is closed once the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Latency returns the round trip time of a resolved future.
func (f *Future) Latency() time.Duration {
	select {
	case <-f.done:
		return f.latency
	default:
		return 0
	}
}

// Dispatcher runs peer requests concurrently. It does not bound the number
// of requests in flight. Dispatch, Collect and Abandon must be called from
// a single goroutine.
type Dispatcher struct {
	client  PeerClient
	maxSize uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup

	futures map[uint64]*Future
	notify  chan struct{}
}

// NewDispatcher creates a dispatcher rejecting responses above maxSize bytes.
func NewDispatcher(client PeerClient, maxSize uint64) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		client:  client,
		maxSize: maxSize,
		ctx:     ctx,
		cancel:  cancel,
		futures: make(map[uint64]*Future),
		notify:  make(chan struct{}, 1),
	}
}

// Dispatch sends req to peer on a new goroutine and returns its future.
// A request re-dispatched under the same id replaces the earlier future,
// which is cancelled.
func (d *Dispatcher) Dispatch(peer string, req *Request) *Future {
	ctx, cancel := context.WithCancel(d.ctx)
	f := &Future{
		Request: req,
		Peer:    peer,
		Sent:    time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	d.Abandon(req.ID)
	d.futures[req.ID] = f

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()

		resp, err := d.client.RequestAccountRange(ctx, peer, req)
		if err == nil && resp == nil {
			resp = new(Response)
		}
		if err == nil && resp.Size() > d.maxSize {
			err = fmt.Errorf("%w: %d bytes from %s", ErrResponseTooLarge, resp.Size(), peer)
			resp = nil
		}
		f.resp, f.err, f.latency = resp, err, time.Since(f.Sent)
		close(f.done)

		select {
		case d.notify <- struct{}{}:
		default:
		}
	}()
	return f
}

// Collect removes and returns every resolved future, by request id.
func (d *Dispatcher) Collect() []*Future {
	var out []*Future
	for id, f := range d.futures {
		if _, done, _ := f.Poll(); done {
			out = append(out, f)
			delete(d.futures, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Request.ID < out[j].Request.ID })
	return out
}

// Abandon cancels the request and forgets its future. A result arriving
// anyway is dropped.
func (d *Dispatcher) Abandon(id uint64) {
	if f, ok := d.futures[id]; ok {
		f.cancel()
		delete(d.futures, id)
	}
}

// AbandonAll cancels and forgets every outstanding future.
func (d *Dispatcher) AbandonAll() {
	for _, f := range d.futures {
		f.cancel()
	}
	d.futures = make(map[uint64]*Future)
}

// Notify fires after any future resolves. Wakeups coalesce.
func (d *Dispatcher) Notify() <-chan struct{} { return d.notify }

// Close cancels outstanding requests and waits for their goroutines.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
	d.futures = make(map[uint64]*Future)
}
