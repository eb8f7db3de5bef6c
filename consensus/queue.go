package consensus

import (
	"container/heap"
	"errors"
	"sync"
)

// Common errors for the pending-request queue.
var (
	ErrQueueFull     = errors.New("request queue is full")
	ErrRequestExists = errors.New("request already queued")
)

// requestHeap orders pending requests by client timestamp.
type requestHeap []*Request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	return h[i].Timestamp < h[j].Timestamp
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *requestHeap) Push(x interface{}) {
	*h = append(*h, x.(*Request))
}

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	req := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[0 : n-1]
	return req
}

// requestQueue holds client requests awaiting proposal. Requests are
// deduplicated by (clientID, requestID) and survive view changes so the
// new primary can re-propose anything still pending.
type requestQueue struct {
	pending map[string]*Request
	queue   requestHeap
	maxSize int
	mu      sync.Mutex
}

func newRequestQueue(maxSize int) *requestQueue {
	q := &requestQueue{
		pending: make(map[string]*Request),
		queue:   make(requestHeap, 0),
		maxSize: maxSize,
	}
	heap.Init(&q.queue)
	return q
}

// Add queues a request. Duplicates and overflow are rejected.
func (q *requestQueue) Add(req *Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := req.Key()
	if _, ok := q.pending[key]; ok {
		return ErrRequestExists
	}
	if len(q.pending) >= q.maxSize {
		return ErrQueueFull
	}
	q.pending[key] = req
	heap.Push(&q.queue, req)
	return nil
}

// Next pops the oldest pending request, or nil when empty. Requests
// already removed (committed) while still in the heap are skipped.
func (q *requestQueue) Next() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.queue.Len() > 0 {
		req := heap.Pop(&q.queue).(*Request)
		if _, ok := q.pending[req.Key()]; !ok {
			continue
		}
		delete(q.pending, req.Key())
		return req
	}
	return nil
}

// Remove drops a request once it has committed, wherever it is queued.
func (q *requestQueue) Remove(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, key)
}

// Pending returns a snapshot of every queued request without removing
// anything.
func (q *requestQueue) Pending() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Request, 0, len(q.pending))
	for _, req := range q.pending {
		out = append(out, req)
	}
	return out
}

// Contains reports whether the request is still pending.
func (q *requestQueue) Contains(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[key]
	return ok
}

// Len returns the number of pending requests.
func (q *requestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
