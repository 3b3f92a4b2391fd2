// Package thread implements the reference-counted thread handle and
// lifecycle state machine of §3.4/§4.5.
//
// The hook table (owner-ided slots, ok/permanent_outage/unknown precedence
// chain) is grounded on the teacher's injectable loopTestHooks
// (eventloop/loop.go), which chains optional callbacks in a fixed order and
// lets any one of them short-circuit the remainder.
package thread

import (
	"sync/atomic"

	"github.com/anillo-os/kernel/internal/klog"
	"github.com/anillo-os/kernel/kernel/arch"
	"github.com/anillo-os/kernel/kernel/kerrors"
	"github.com/anillo-os/kernel/kernel/spinlock"
	"github.com/anillo-os/kernel/kernel/waitqueue"
)

// State is one of the five lifecycle states of §4.5.
type State int

const (
	StateSuspended State = iota
	StateReady
	StateRunning
	StateBlocked
	StateDead
)

func (s State) String() string {
	switch s {
	case StateSuspended:
		return "suspended"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Flags are the orthogonal bits of §4.5.
type Flags uint32

const (
	FlagInterrupted Flags = 1 << iota
	FlagKernelStack
	FlagHasUserspace
	FlagDeallocateStackOnExit
)

// HookAction is a hook's verdict, per §4.5.
type HookAction int

const (
	// HookOK continues invoking lower-precedence hooks.
	HookOK HookAction = iota
	// HookPermanentOutage fully handles the action; no lower hook runs.
	HookPermanentOutage
	// HookUnknown means "not handled"; continue to the next hook.
	HookUnknown
)

// HookEvent names the lifecycle/fault points a hook slot may observe.
type HookEvent int

const (
	HookSuspend HookEvent = iota
	HookResume
	HookKill
	HookBlock
	HookUnblock
	HookInterruptEntry
	HookInterruptExit
	HookBusError
	HookPageFault
	HookFPException
	HookIllegalInstruction
	HookDebugTrap
)

// isFault reports whether ev is one of the "fault" events that panics the
// kernel if unhandled by the time it reaches the bottom hook, per §4.5.
func (ev HookEvent) isFault() bool {
	switch ev {
	case HookBusError, HookPageFault, HookFPException, HookIllegalInstruction, HookDebugTrap:
		return true
	default:
		return false
	}
}

// isLifecycle reports whether ev is called with the thread lock held.
func (ev HookEvent) isLifecycle() bool {
	switch ev {
	case HookSuspend, HookResume, HookKill, HookBlock, HookUnblock:
		return true
	default:
		return false
	}
}

// HookFunc is one hook slot's callback for a given event.
type HookFunc func(t *T, ev HookEvent) HookAction

// maxHooks bounds the fixed hook table, per §3.4 "up to N ordered hooks".
const maxHooks = 8

type hookSlot struct {
	ownerID uint64
	fn      HookFunc
	used    bool
}

// T is the reference-counted thread handle of §3.4.
type T struct {
	id uint64

	refcount atomic.Int64

	lock  spinlock.IntSafe
	state State
	flags Flags

	hooks [maxHooks]hookSlot

	deathWaitq   *waitqueue.Queue
	destroyWaitq *waitqueue.Queue

	stackBase uintptr
	stackSize int

	// Scheduler-private linkage (§3.4), touched only by kernel/sched.
	SchedNext, SchedPrev *T
	SchedQueueCPU        int
	SchedInQueue         bool

	// Worker-subsystem-private field (§3.4): the work item currently
	// bound to this thread, if it is a pool worker. Opaque to this
	// package.
	CurrentWork any

	// Body is the thread's entry point, run once dispatched. Grounded on
	// the teacher's arch.Thread.Run seam.
	Body func(t *T)

	// wakeWaiter, when non-nil, is the Waiter this thread is parked on;
	// cleared on wake. Guarded by lock.
	wakeWaiter *waitqueue.Waiter
}

var nextID atomic.Uint64

// New creates a thread in the suspended state with refcount 1, per §4.5's
// "(new) → suspended" transition.
func New(body func(t *T)) *T {
	t := &T{
		id:    nextID.Add(1),
		state: StateSuspended,
		Body:  body,
	}
	t.refcount.Store(1)
	t.deathWaitq = waitqueue.New(&t.lock)
	t.destroyWaitq = waitqueue.New(&t.lock)
	return t
}

// ID returns the thread's stable identifier.
func (t *T) ID() uint64 { return t.id }

// Lock exposes the thread's int-safe lock for callers (scheduler, worker
// pool) that must extend a critical section across state inspection and a
// transition.
func (t *T) Lock() *spinlock.IntSafe { return &t.lock }

// State reports the current lifecycle state. Caller should hold the lock
// for a consistent read in the presence of concurrent transitions.
func (t *T) State() State { return t.state }

// Flags reports the orthogonal bit flags.
func (t *T) Flags() Flags { return t.flags }

// SetFlag ORs in the given bits.
func (t *T) SetFlag(f Flags) { t.flags |= f }

// ClearFlag clears the given bits.
func (t *T) ClearFlag(f Flags) { t.flags &^= f }

// Retain increments the reference count, failing with ErrPermanentOutage
// if the handle is already destroyed (§4.5 invariant 7: "thread refcount
// safety").
func (t *T) Retain() error {
	for {
		cur := t.refcount.Load()
		if cur <= 0 {
			return kerrors.New(kerrors.ErrPermanentOutage, "thread")
		}
		if t.refcount.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// Release drops the reference count. At zero it notifies destroyWaitq;
// callers that own the handle's backing storage/stack should treat this as
// the signal to reclaim it (this package performs no allocation itself, so
// it only fires the waitq).
func (t *T) Release() {
	n := t.refcount.Add(-1)
	if n < 0 {
		arch.Panic("thread: refcount underflow on thread %d", t.id)
	}
	if n == 0 {
		t.lock.Lock()
		t.destroyWaitq.WakeAll()
		t.lock.Unlock()
		klog.Component("thread").Thread(t.id).Debug("destroyed")
	}
}

