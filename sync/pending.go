package sync

import (
	"time"

	"github.com/google/btree"
)

// pendingResponse is a resolved response waiting to be applied.
type pendingResponse struct {
	req     *Request
	peer    string
	resp    *Response
	latency time.Duration
}

func pendingLess(a, b *pendingResponse) bool {
	return CompareKeys(a.req.Range.Start, b.req.Range.Start) < 0
}

// pendingQueue orders resolved responses by range start so they can be
// applied in ascending key order regardless of arrival order.
type pendingQueue struct {
	tree *btree.BTreeG[*pendingResponse]
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{tree: btree.NewG(8, pendingLess)}
}

func (q *pendingQueue) push(p *pendingResponse) {
	q.tree.ReplaceOrInsert(p)
}

// peek returns the response with the lowest range start.
func (q *pendingQueue) peek() (*pendingResponse, bool) {
	return q.tree.Min()
}

func (q *pendingQueue) pop() (*pendingResponse, bool) {
	return q.tree.DeleteMin()
}

func (q *pendingQueue) len() int { return q.tree.Len() }

func (q *pendingQueue) clear() {
	q.tree.Clear(false)
}
