package keycache

import (
	"sync"
	"time"
)

// waiter is one suspended goroutine. Each wait site allocates a waiter
// with a condition variable bound to the cache mutex, mirroring a
// per-thread suspend condvar. The opt fields carry the key the waiter
// is interested in, so releases can coalesce wakeups for one page.
type waiter struct {
	cond   *sync.Cond
	queued bool

	// Exactly one of the following identifies the awaited page, when
	// the queue discipline needs it (waitingForBlock keys by hash
	// link, waitingForHashLink by file/pos).
	hash    *hashLink
	file    File
	pos     int64
	hasPage bool
}

// waitQueue is a FIFO of suspended goroutines.
type waitQueue struct {
	ws []*waiter
}

func (c *Cache) newWaiter() *waiter {
	return &waiter{cond: sync.NewCond(&c.mu)}
}

func (q *waitQueue) empty() bool { return len(q.ws) == 0 }

// link appends the waiter to the queue.
func (q *waitQueue) link(w *waiter) {
	w.queued = true
	q.ws = append(q.ws, w)
}

// waitOnQueue parks the calling goroutine on q until a release unlinks
// it. The cache mutex must be held; it is released while suspended. The
// loop protects against stray signals: the waiter proceeds only once it
// has been taken off the queue by the signalling side.
func (c *Cache) waitOnQueue(q *waitQueue, w *waiter) {
	q.link(w)
	c.suspend(w, func() bool { return w.queued })
}

// releaseQueue wakes all waiters and empties the queue.
func (c *Cache) releaseQueue(q *waitQueue) {
	if len(q.ws) == 0 {
		return
	}
	for _, w := range q.ws {
		w.queued = false
		w.cond.Signal()
	}
	q.ws = nil
}

// suspend blocks the calling goroutine while keep() is true. With a
// configured WaitTimeout it bounds the wait and dumps cache state on
// expiry; this is a debug aid for trapping lost-wakeup bugs, not a
// cancellation mechanism.
func (c *Cache) suspend(w *waiter, keep func() bool) {
	if c.waitTimeout <= 0 {
		for keep() {
			w.cond.Wait()
		}
		return
	}

	deadline := time.Now().Add(c.waitTimeout)
	timer := time.AfterFunc(c.waitTimeout, func() {
		c.mu.Lock()
		w.cond.Signal()
		c.mu.Unlock()
	})
	defer timer.Stop()

	for keep() {
		if time.Now().After(deadline) {
			c.dumpLocked()
			panic("keycache: wait timed out (deadlock trap)")
		}
		w.cond.Wait()
	}
}
