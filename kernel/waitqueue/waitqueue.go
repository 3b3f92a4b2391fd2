// Package waitqueue implements the intrusive doubly-linked wait queues of
// §3.3/§4.3: FIFO queues of parked waiters, woken in arrival order, with a
// "wake at most N, snapshot the length at entry" rule that prevents newly
// added waiters from being woken by a wake call already in flight.
//
// The intrusive, pointer-linked node shape is grounded on the teacher's
// ChunkedIngress (eventloop/ingress.go), which threads a free-standing
// struct through next/prev pointers instead of allocating a slice, to
// avoid per-push heap churn under lock.
package waitqueue

import (
	"github.com/anillo-os/kernel/kernel/spinlock"
)

// Waiter is one parked party. It is intrusive: the links live in the
// Waiter itself, so Add and Remove never allocate. Each wait builds its
// Waiter with NewWaiter, which allocates the Waiter and its Ready channel.
type Waiter struct {
	next, prev *Waiter
	queue      *Queue
	// Ready is closed by Wake{One,Many,Specific,All} to unblock a parked
	// goroutine, which blocks receiving from it (kernel/thread's timed wait
	// does the same; its timer wakes it through WakeSpecific).
	Ready chan struct{}
	// Token carries the wake reason (kernel/thread's timed wait stores
	// WaitTimeout here when its timer wins); opaque to Queue.
	Token any
}

// NewWaiter returns a Waiter ready to Add to a Queue.
func NewWaiter() *Waiter {
	return &Waiter{Ready: make(chan struct{})}
}

// Queue is an intrusive FIFO of parked Waiters guarded by an interrupt-safe
// spinlock, per §3.3 ("wait queues are always manipulated with interrupts
// disabled").
type Queue struct {
	lock       *spinlock.IntSafe
	head, tail *Waiter
	length     int
}

// New builds an empty Queue guarded by the given interrupt-safe lock. The
// lock is shared with whatever invariant the wait queue is protecting
// (e.g. a semaphore's count), per §4.3's requirement that enqueue and the
// predicate check happen atomically.
func New(lock *spinlock.IntSafe) *Queue {
	return &Queue{lock: lock}
}

// Len reports the current number of parked waiters. Caller must hold the
// queue's lock.
func (q *Queue) Len() int { return q.length }

// Add appends w to the tail of the queue. Caller must hold the queue's
// lock.
func (q *Queue) Add(w *Waiter) {
	if w.queue != nil {
		panic("waitqueue: waiter already queued")
	}
	w.queue = q
	w.next = nil
	w.prev = q.tail
	if q.tail != nil {
		q.tail.next = w
	} else {
		q.head = w
	}
	q.tail = w
	q.length++
}

// Remove unlinks w from whatever queue it is on, if any. Idempotent: a
// waiter already removed (e.g. woken, or never added) is left untouched.
// Caller must hold the queue's lock.
func (q *Queue) Remove(w *Waiter) {
	if w.queue != q {
		return
	}
	if w.prev != nil {
		w.prev.next = w.next
	} else {
		q.head = w.next
	}
	if w.next != nil {
		w.next.prev = w.prev
	} else {
		q.tail = w.prev
	}
	w.next, w.prev, w.queue = nil, nil, nil
	q.length--
}

// pop removes and returns the head waiter, or nil if empty.
func (q *Queue) pop() *Waiter {
	w := q.head
	if w == nil {
		return nil
	}
	q.Remove(w)
	return w
}

// WakeOne removes and wakes the single longest-waiting party, returning it
// (nil if the queue was empty). Caller must hold the queue's lock; Ready is
// closed after the waiter is unlinked so a concurrent Remove from a
// timeout race can never double-close it (§8 invariant: no double wake).
func (q *Queue) WakeOne() *Waiter {
	w := q.pop()
	if w != nil {
		close(w.Ready)
	}
	return w
}

// WakeMany wakes up to n waiters, FIFO, and returns how many were actually
// woken. Per §4.3 the count of eligible waiters is the queue length at the
// instant WakeMany is called (under the held lock) — a waiter added by a
// racing Add after that instant is never counted even if WakeMany has not
// returned yet, because the whole operation runs under the caller's lock
// hold.
func (q *Queue) WakeMany(n int) int {
	limit := q.length
	if n < limit {
		limit = n
	}
	woken := 0
	for woken < limit {
		w := q.pop()
		if w == nil {
			break
		}
		close(w.Ready)
		woken++
	}
	return woken
}

// WakeAll wakes every currently-parked waiter and returns how many.
func (q *Queue) WakeAll() int {
	return q.WakeMany(q.length)
}

// WakeSpecific wakes w only if it is currently parked on this queue,
// reporting whether it was found. Used by timed waits to race a timer
// firing against WakeOne/WakeMany: whichever side actually unlinks it wins.
func (q *Queue) WakeSpecific(w *Waiter) bool {
	if w.queue != q {
		return false
	}
	q.Remove(w)
	close(w.Ready)
	return true
}

// Lock exposes the queue's guarding lock so callers (semaphore, thread
// wait/timeout) can extend the critical section across a predicate check,
// Add, and unlock-then-block sequence.
func (q *Queue) Lock() *spinlock.IntSafe { return q.lock }
