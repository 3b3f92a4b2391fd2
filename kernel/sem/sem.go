// Package sem implements the counting semaphore of §3.4/§4.4.
//
// The defining invariant is permit transfer, not permit counting: an Up
// that finds a waiter hands its permit directly to that waiter (waking it)
// rather than incrementing the count and letting the waiter re-check —
// this avoids the lost-wakeup/thundering-herd window a naive
// count++/condvar-broadcast implementation has under §4.4's concurrent
// Up/Down races. Grounded on the teacher's MicrotaskRing claim-then-publish
// protocol (ingress.go), which transfers a slot to exactly one consumer
// rather than letting consumers race a shared counter.
package sem

import (
	"github.com/anillo-os/kernel/kernel/spinlock"
	"github.com/anillo-os/kernel/kernel/waitqueue"
)

// Semaphore is a counting semaphore with permit-transfer-on-wake. Its lock
// is whatever int-safe spinlock guards the waitqueue it was built with —
// Semaphore holds no lock of its own.
type Semaphore struct {
	count   int64
	waiters *waitqueue.Queue
}

// New builds a Semaphore with the given initial permit count (must be
// >= 0), guarded by irqLock.
func New(initial int64, irqLock *spinlock.IntSafe) *Semaphore {
	if initial < 0 {
		panic("sem: negative initial count")
	}
	return &Semaphore{count: initial, waiters: waitqueue.New(irqLock)}
}

// Up releases one permit. If a waiter is parked, the permit is transferred
// directly to it (the count is left unchanged — the waiter is woken having
// already "consumed" the permit Up is releasing) rather than incrementing
// count and leaving the waiter to recheck, per §4.4.
func (s *Semaphore) Up() {
	lock := s.waiters.Lock()
	lock.Lock()
	if w := s.waiters.WakeOne(); w != nil {
		lock.Unlock()
		return
	}
	s.count++
	lock.Unlock()
}

// Down blocks until a permit is available, then consumes it.
func (s *Semaphore) Down() {
	lock := s.waiters.Lock()
	lock.Lock()
	if s.count > 0 {
		s.count--
		lock.Unlock()
		return
	}
	w := waitqueue.NewWaiter()
	s.waiters.Add(w)
	lock.Unlock()
	<-w.Ready
}

// TryDown consumes a permit only if one is immediately available, without
// blocking. Reports whether it succeeded.
func (s *Semaphore) TryDown() bool {
	lock := s.waiters.Lock()
	lock.Lock()
	defer lock.Unlock()
	if s.count > 0 {
		s.count--
		return true
	}
	return false
}

// Count reports the current permit count. Racy by construction (a
// diagnostic snapshot only, per §4.4's note that count is not part of the
// public contract).
func (s *Semaphore) Count() int64 {
	lock := s.waiters.Lock()
	lock.Lock()
	defer lock.Unlock()
	return s.count
}
