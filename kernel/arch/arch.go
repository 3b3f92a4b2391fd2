// Package arch defines the seams the concurrency core exposes to the rest
// of the kernel (§6): context switching, preemption timers, cross-CPU
// notification, interrupt masking, and the fatal panic path. The core
// never assumes a hardware architecture (§1); exactly one software
// implementation ships in kernel/arch/softarch, and a deterministic fake
// lives in kernel/arch/archtest for unit tests.
package arch

import (
	"fmt"

	"github.com/anillo-os/kernel/internal/klog"
)

// Thread is the minimal view of a schedulable unit the arch layer needs:
// enough to run it and to know who is currently running. kernel/thread.T
// implements this.
type Thread interface {
	// Run executes the thread's body on the calling goroutine/OS thread
	// until it blocks, yields, or exits.
	Run()
}

// Layer is the arch-specific contract a platform provides (§6). It is a
// closed enumeration of function pointers owned by the core (§9 "Dynamic
// dispatch"), not an open plugin surface.
type Layer interface {
	// ContextSwitch hands CPU execution from prev (nil at bootstrap) to
	// next. May be invoked from interrupt context.
	ContextSwitch(prev, next Thread)
	// Bootstrap starts the very first thread on a CPU; unlike
	// ContextSwitch it has no "previous" context to save.
	Bootstrap(initial Thread)
	// ArmPreemptTimer arms a one-shot preemption tick delay nanoseconds in
	// the future for CPU cpu, returning an opaque timer id. An id of 0
	// after a previous arm cancels the outstanding tick implicitly when
	// the backend rearms.
	ArmPreemptTimer(cpu int, delay int64) uint64
	// CurrentCPUID returns the id of the CPU executing the caller.
	CurrentCPUID() int
	// CrossCPUPoke raises the cross-CPU interrupt on the target CPU,
	// abstracting an IPI.
	CrossCPUPoke(cpu int)
	// InterruptMaskSet and InterruptMaskClear mask/unmask hardware
	// interrupts on the calling CPU; irq.Counter drives these on its 0<->1
	// edges.
	InterruptMaskSet()
	InterruptMaskClear()
	// YieldHint is the architecture's spin-wait backoff primitive (a PAUSE
	// instruction on x86, for example).
	YieldHint()
}

// Allocator is the memory-allocator contract of §6: usable with interrupts
// disabled, never itself blocking on a kernel lock.
type Allocator interface {
	Allocate(size, align int) (uintptr, error)
	Free(ptr uintptr)
}

// Panic is the terminal invariant-violation path of §6. It logs a
// structured fatal event (so the violation is visible before the process
// dies) and then calls the Go built-in panic, grounded on how the teacher's
// handlePollError logs before tearing the loop down.
func Panic(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	klog.Component("arch").Err(fmt.Errorf("%s", msg), "fatal kernel invariant violation")
	panic(msg)
}
