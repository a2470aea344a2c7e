package engine

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/quantorhq/quantor/pkg/schema"
)

// admissionQueue gates concurrent executions. Requests beyond the
// concurrency cap wait in strict FIFO arrival order; each waiter carries its
// own queue timeout independent of the execution timeout. A plain buffered
// channel cannot guarantee FIFO wakeups under contention, so waiters are
// tracked explicitly.
type admissionQueue struct {
	mu      sync.Mutex
	active  int
	max     int
	waiters *list.List // of *waiter, oldest at front
}

type waiter struct {
	ready chan struct{} // closed under the queue mutex when admitted
}

func newAdmissionQueue(maxConcurrent int) *admissionQueue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &admissionQueue{
		max:     maxConcurrent,
		waiters: list.New(),
	}
}

// Acquire admits the caller or blocks in FIFO order until a slot frees, the
// queue timeout elapses, or the context is cancelled. A nil return means the
// caller holds a slot and must Release it.
func (q *admissionQueue) Acquire(ctx context.Context, queueTimeout time.Duration) error {
	q.mu.Lock()
	if q.active < q.max && q.waiters.Len() == 0 {
		q.active++
		q.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	elem := q.waiters.PushBack(w)
	q.mu.Unlock()

	timer := time.NewTimer(queueTimeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return nil
	case <-timer.C:
		if q.abandon(elem) {
			return schema.NewErrorf(schema.ErrCodeQueueTimeout,
				"timed out after %s waiting for an execution slot", queueTimeout)
		}
		// Admission raced the timer and won; the slot is ours.
		return nil
	case <-ctx.Done():
		if !q.abandon(elem) {
			// Already admitted; give the slot back before reporting.
			q.Release()
		}
		return schema.NewError(schema.ErrCodeCancelled, "cancelled while queued").WithCause(ctx.Err())
	}
}

// abandon removes a waiter that gave up. Returns false if the waiter was
// concurrently admitted, in which case it already holds a slot.
func (q *admissionQueue) abandon(elem *list.Element) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for e := q.waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			q.waiters.Remove(e)
			return true
		}
	}
	return false
}

// Release frees a slot. If waiters are queued the slot passes directly to
// the oldest one, preserving arrival order.
func (q *admissionQueue) Release() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if front := q.waiters.Front(); front != nil {
		w := q.waiters.Remove(front).(*waiter)
		close(w.ready)
		return
	}
	if q.active > 0 {
		q.active--
	}
}

// Active returns the number of held execution slots.
func (q *admissionQueue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Depth returns the number of requests waiting for admission.
func (q *admissionQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiters.Len()
}
