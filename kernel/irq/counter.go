// Package irq implements the per-CPU interrupt-disable counter (§3.1, §4.1
// of the specification): a nestable disable/restore mechanism with a
// hardware mask synced to the counter==0 predicate.
//
// The lock-free, cache-line-padded counter here is grounded on the
// teacher's FastState (eventloop/state.go): a single atomic word, CAS for
// transitions, no mutex in the hot path.
package irq

import (
	"sync/atomic"
)

// Masker is the arch-layer seam (§6) that actually masks/unmasks hardware
// interrupts. Counter calls it only on the 0->1 and 1->0 edges.
type Masker interface {
	InterruptMaskSet()
	InterruptMaskClear()
}

// Counter is one CPU's nestable interrupt-disable counter.
//
// PERFORMANCE: pure atomic, cache-line padded to avoid false sharing
// between CPUs, matching the teacher's FastState layout.
type Counter struct { // betteralign:ignore
	_      [64]byte // cache-line padding before the hot word
	v      atomic.Uint64
	_      [56]byte // pad to a full cache line (64 - 8 = 56)
	masker Masker
	cpu    int
}

// New creates a Counter starting at zero (interrupts enabled) for the given
// CPU, driving the supplied Masker on the 0<->1 edges.
func New(cpu int, masker Masker) *Counter {
	return &Counter{masker: masker, cpu: cpu}
}

// registry is the per-CPU table spinlock.IntSafe consults, reached
// through a runtime-supplied accessor per §9's guidance on modeling
// per-CPU singletons ("never as free mutable globals" — this is the one
// deliberate exception, matching irq.Counter itself, which the core's own
// design narrative explicitly blesses as per-CPU process-wide state).
var (
	counters   []*Counter
	currentCPU func() int
)

// Init installs the per-CPU counter table. masker is shared across all
// CPUs; its InterruptMaskSet/Clear methods operate on whichever CPU is
// calling, mirroring arch.Layer's own "calling CPU" semantics. currentCPU
// resolves the calling goroutine's CPU id (arch.Layer.CurrentCPUID).
// Called once during boot before any spinlock.IntSafe is locked.
func Init(numCPU int, masker Masker, cpuIDFunc func() int) {
	counters = make([]*Counter, numCPU)
	for i := range counters {
		counters[i] = New(i, masker)
	}
	currentCPU = cpuIDFunc
}

// Current returns the calling CPU's interrupt-disable counter.
func Current() *Counter {
	return counters[currentCPU()]
}

// Disable nests one level of interrupt-disable. Masks hardware interrupts
// on the 0->1 transition; increments unconditionally otherwise.
//
// Overflow is fatal per §4.1 — it can only happen from a counting bug, and
// continuing would silently corrupt the restore discipline.
func (c *Counter) Disable() {
	n := c.v.Add(1)
	if n == 0 {
		panic("irq: disable counter overflowed")
	}
	if n == 1 {
		c.masker.InterruptMaskSet()
	}
}

// Enable pops one level of interrupt-disable. Unmasks hardware interrupts
// when the counter reaches zero.
//
// Underflow (Enable with counter already at 0) is fatal per §4.1.
func (c *Counter) Enable() {
	for {
		cur := c.v.Load()
		if cur == 0 {
			panic("irq: enable counter underflowed")
		}
		if c.v.CompareAndSwap(cur, cur-1) {
			if cur == 1 {
				c.masker.InterruptMaskClear()
			}
			return
		}
	}
}

// Save returns the current counter value, for later Restore. §4.1 forbids
// mixing Save/Restore with Disable/Enable on the same execution path; this
// type does not attempt to detect that misuse (it would require the same
// per-callsite bookkeeping spinlock.IntSafe already performs).
func (c *Counter) Save() uint64 {
	return c.v.Load()
}

// Restore sets the counter back to a value previously returned by Save,
// syncing the hardware mask to match the counter==0 predicate.
func (c *Counter) Restore(s uint64) {
	prev := c.v.Swap(s)
	prevZero := prev == 0
	nowZero := s == 0
	if prevZero == nowZero {
		return
	}
	if nowZero {
		c.masker.InterruptMaskClear()
	} else {
		c.masker.InterruptMaskSet()
	}
}

// Depth reports the current nesting depth, chiefly for tests and logging.
func (c *Counter) Depth() uint64 { return c.v.Load() }

// Disabled reports whether interrupts are currently masked on this CPU.
func (c *Counter) Disabled() bool { return c.v.Load() != 0 }
