package engine

import (
	"context"
	"sync"
)

// changesetQueue is a thread-safe FIFO of committed changesets.
//
// The queue is unbounded so a committing writer never blocks on a slow
// subscriber. The write slot is still held while changesets are enqueued,
// so every subscriber sees commits in snapshot order.
//
// The queue uses a channel for signaling to enable context-aware waiting.
type changesetQueue struct {
	mu     sync.Mutex
	items  []*Changeset
	closed bool
	signal chan struct{} // Signals availability (buffered, size 1)
}

func newChangesetQueue() *changesetQueue {
	return &changesetQueue{
		items:  make([]*Changeset, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// enqueue adds a changeset to the back of the queue.
// Returns false if the queue is closed.
func (q *changesetQueue) enqueue(cs *Changeset) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, cs)

	// Signal availability (non-blocking - buffer of 1 coalesces multiple signals)
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// tryDequeue removes the front changeset without blocking.
func (q *changesetQueue) tryDequeue() (*Changeset, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}

	cs := q.items[0]
	// Nil out the slot so the backing array doesn't retain the changeset.
	q.items[0] = nil
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return cs, true
}

func (q *changesetQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// isDrained reports a closed queue with nothing left to deliver.
func (q *changesetQueue) isDrained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

// close wakes any blocked waiters. Queued changesets can still be drained.
func (q *changesetQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Subscription receives every changeset committed after Subscribe returned.
type Subscription struct {
	db *Database
	q  *changesetQueue
}

// Next blocks until a changeset is available, the subscription is closed
// (returns nil, false), or ctx is done.
func (s *Subscription) Next(ctx context.Context) (*Changeset, bool, error) {
	for {
		if cs, ok := s.q.tryDequeue(); ok {
			return cs, true, nil
		}
		if s.q.isDrained() {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-s.q.signal:
		}
	}
}

// TryNext returns the next changeset without blocking.
func (s *Subscription) TryNext() (*Changeset, bool) {
	return s.q.tryDequeue()
}

// Wait returns a channel that signals when changesets may be available.
// Use with select and TryNext:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-sub.Wait():
//	    // Try TryNext
//	}
func (s *Subscription) Wait() <-chan struct{} {
	return s.q.signal
}

// Pending returns the number of undelivered changesets.
func (s *Subscription) Pending() int {
	return s.q.len()
}

// Close stops delivery. Already queued changesets remain readable.
func (s *Subscription) Close() {
	s.db.unsubscribe(s)
	s.q.close()
}
