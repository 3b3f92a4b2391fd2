// Package spinlock implements the busy-wait mutual-exclusion primitives of
// §3.2/§4.2: a plain Spinlock and the interrupt-safe variant built on top
// of it plus kernel/irq.
//
// The spin-then-yield-hint pattern is grounded on the teacher's
// MicrotaskRing.Pop, which spins on an atomic CAS loop and calls
// runtime.Gosched() as its backoff when a producer has claimed a slot but
// not yet published it (ingress.go).
package spinlock

import (
	"sync/atomic"

	"github.com/anillo-os/kernel/kernel/arch"
	"github.com/anillo-os/kernel/kernel/irq"
)

// Spinlock is a single test-and-set flag. Recursion is not supported:
// acquiring a held lock on the same CPU is a deadlock bug, only detected in
// debug builds (DebugTrack).
type Spinlock struct {
	locked atomic.Bool
	// owner, when DebugTrack is set, records the CPU id of the holder so
	// Lock can detect same-CPU recursive acquisition.
	owner atomic.Int64
}

// DebugTrack, when non-nil, enables recursive-acquisition detection by
// asking the arch layer which CPU is currently executing. Left nil in
// production builds to avoid the CurrentCPUID() call on every Lock.
var DebugTrack arch.Layer

// Lock spins on atomic compare-and-swap until it acquires the flag. Between
// attempts it calls DebugTrack's YieldHint when DebugTrack is set; with
// DebugTrack nil it spins without any back-off.
func (s *Spinlock) Lock() {
	if DebugTrack != nil {
		cpu := int64(DebugTrack.CurrentCPUID())
		if s.locked.Load() && s.owner.Load() == cpu {
			arch.Panic("spinlock: recursive acquisition on cpu %d", cpu)
		}
	}
	for !s.locked.CompareAndSwap(false, true) {
		if DebugTrack != nil {
			DebugTrack.YieldHint()
		}
	}
	if DebugTrack != nil {
		s.owner.Store(int64(DebugTrack.CurrentCPUID()))
	}
}

// TryLock attempts to acquire without spinning, returning false on
// contention.
func (s *Spinlock) TryLock() bool {
	return s.locked.CompareAndSwap(false, true)
}

// Unlock releases the flag. Unlocking a lock the caller does not hold is a
// caller bug (undefined, as with any other spinlock).
func (s *Spinlock) Unlock() {
	s.owner.Store(0)
	s.locked.Store(false)
}

// IntSafe is the interrupt-safe spinlock of §3.2/§4.2: it disables
// interrupts before acquiring the inner Spinlock, and the caller's prior
// interrupt state is threaded back through so Unlock restores it exactly.
//
// IntSafe does not own a fixed interrupt counter: per §9's per-CPU
// singleton guidance, it always asks kernel/irq.Current() for whichever
// CPU is calling, so a zero-valued IntSafe (as embedded in, e.g.,
// kernel/thread.T or kernel/sched's per-CPU queue) is immediately usable
// once kernel/irq.Init has run at boot.
type IntSafe struct {
	inner Spinlock
	// savedState holds the interrupt-disable depth captured at Lock time,
	// read back by Unlock. Valid only while held.
	savedState atomic.Uint64
}

// Lock disables interrupts, saves the prior state, then spins for the
// inner flag.
func (l *IntSafe) Lock() {
	c := irq.Current()
	c.Disable()
	s := c.Save()
	l.inner.Lock()
	l.savedState.Store(s)
}

// Unlock releases the inner flag, then restores the interrupt state saved
// at Lock time (re-enabling interrupts only if they were enabled when
// Lock was called), and finally balances the Disable() from Lock.
func (l *IntSafe) Unlock() {
	s := l.savedState.Load()
	c := irq.Current()
	l.inner.Unlock()
	c.Restore(s)
	c.Enable()
}

// TryLock mirrors Lock's discipline for the non-blocking case.
func (l *IntSafe) TryLock() bool {
	c := irq.Current()
	c.Disable()
	s := c.Save()
	if l.inner.TryLock() {
		l.savedState.Store(s)
		return true
	}
	c.Restore(s)
	c.Enable()
	return false
}
