package thread

import (
	"github.com/anillo-os/kernel/internal/klog"
	"github.com/anillo-os/kernel/kernel/kerrors"
	"github.com/anillo-os/kernel/kernel/waitqueue"
)

// Scheduler is the minimal callback surface lifecycle transitions need
// back into kernel/sched, avoiding an import cycle (sched depends on
// thread, not the reverse). Wired once at boot via SetScheduler.
type Scheduler interface {
	// Enqueue places t on a per-CPU ready queue (implementation chooses
	// which, per §4.6 "round robin by id").
	Enqueue(t *T)
	// Dequeue removes t from whatever ready/suspended queue it is on.
	Dequeue(t *T)
	// SuspendedAdd places t on the shared suspended queue.
	SuspendedAdd(t *T)
	// Yield voluntarily gives up the CPU the calling thread is running
	// on, returning once rescheduled.
	Yield()
}

var sched Scheduler

// SetScheduler wires the scheduler callback surface. Called once during
// boot.
func SetScheduler(s Scheduler) { sched = s }

// Resume transitions a suspended thread to ready and enqueues it, per
// §4.5's "suspended → ready" row.
func (t *T) Resume() error {
	t.lock.Lock()
	if t.state != StateSuspended {
		t.lock.Unlock()
		return kerrors.New(kerrors.ErrInvalidArgument, "thread not suspended")
	}
	t.runHooks(HookResume, true)
	t.state = StateReady
	t.lock.Unlock()
	sched.Enqueue(t)
	klog.Component("thread").Thread(t.id).Debug("resumed")
	return nil
}

// Suspend removes t from whatever queue it is on and parks it on the
// shared suspended queue, per §4.5's "* → suspended" row. Valid from any
// state except dead.
func (t *T) Suspend() error {
	t.lock.Lock()
	if t.state == StateDead {
		t.lock.Unlock()
		return kerrors.New(kerrors.ErrInvalidArgument, "thread is dead")
	}
	t.runHooks(HookSuspend, true)
	prev := t.state
	t.state = StateSuspended
	t.lock.Unlock()
	if prev == StateReady || prev == StateRunning {
		sched.Dequeue(t)
	}
	sched.SuspendedAdd(t)
	klog.Component("thread").Thread(t.id).Debug("suspended")
	return nil
}

// MarkRunning transitions a ready thread to running, per §4.5's
// "ready → running" row. Called by kernel/sched immediately before
// dispatching t onto a CPU; a no-op if t is not ready (e.g. it was killed
// or suspended between being picked and being dispatched).
func (t *T) MarkRunning() {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.state == StateReady {
		t.state = StateRunning
	}
}

// MarkReady transitions a running thread back to ready, per §4.5's
// "running → ready" row. Called by kernel/sched when a thread is requeued
// after its quantum (preemption or voluntary yield), before it is
// re-enqueued.
func (t *T) MarkReady() {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.state == StateRunning {
		t.state = StateReady
	}
}

// Kill transitions t to dead, notifying deathWaitq. Per §4.5 this drops
// the thread from the scheduler; destroyWaitq fires later, independently,
// when the last reference is released.
func (t *T) Kill() {
	t.lock.Lock()
	if t.state == StateDead {
		t.lock.Unlock()
		return
	}
	t.runHooks(HookKill, true)
	prev := t.state
	t.state = StateDead
	t.deathWaitq.WakeAll()
	t.lock.Unlock()
	if prev == StateReady || prev == StateRunning {
		sched.Dequeue(t)
	}
	klog.Component("thread").Thread(t.id).Debug("killed")
}

// WaitKind selects how Deadline is interpreted by WaitTimeout, mirroring
// §4.5's thread_wait_timeout kinds.
type WaitKind int

const (
	RelativeNS WaitKind = iota
	AbsoluteNS
	AbsoluteMonotonic
)

// TimerArmer is the seam WaitTimeout uses to arm the race-losing side of a
// timed wait, satisfied by kernel/timer.Service.
type TimerArmer interface {
	ArmOneshot(delayNS int64, cb func(data any), data any) uint64
	Cancel(id uint64)
}

var timers TimerArmer

// SetTimerService wires the timer service used by WaitTimeout. Called
// once during boot.
func SetTimerService(s TimerArmer) { timers = s }

// Clock resolves AbsoluteNS/AbsoluteMonotonic deadlines to a relative
// delay; wired to the active timer backend's current_timestamp at boot.
// RelativeNS waits never consult it.
var Clock func() int64

// WaitResult is what a blocked wait resolved to.
type WaitResult int

const (
	WaitOK WaitResult = iota
	WaitTimeout
	WaitCancelled
	WaitSignaled
)

// Wait blocks the calling thread on q until woken, with no timeout. The
// thread must be the one currently executing (this call parks the
// goroutine standing in for it).
func (t *T) Wait(q *waitqueue.Queue) WaitResult {
	lock := q.Lock()
	lock.Lock()
	res, failed := t.waitLocked(q, lock)
	if failed {
		lock.Unlock()
	}
	return res
}

// WaitLocked is the "waitq already locked" variant of §4.5: on success it
// parks the thread and returns holding nothing (the lock was handed off to
// the parked wait); on failure (thread not running) it returns with the
// waitq still locked, per spec, so the caller must unlock it itself.
func (t *T) WaitLocked(q *waitqueue.Queue) WaitResult {
	res, _ := t.waitLocked(q, q.Lock())
	return res
}

func (t *T) waitLocked(q *waitqueue.Queue, lock interface{ Unlock() }) (WaitResult, bool) {
	t.lock.Lock()
	if t.state != StateRunning && t.state != StateReady {
		t.lock.Unlock()
		return WaitSignaled, true
	}
	t.runHooks(HookBlock, true)
	t.state = StateBlocked
	w := waitqueue.NewWaiter()
	t.wakeWaiter = w
	t.lock.Unlock()

	q.Add(w)
	lock.Unlock()

	<-w.Ready

	t.lock.Lock()
	t.wakeWaiter = nil
	t.runHooks(HookUnblock, true)
	t.state = StateReady
	t.lock.Unlock()
	sched.Enqueue(t)

	if res, ok := w.Token.(WaitResult); ok {
		return res, false
	}
	return WaitOK, false
}

// WaitTimeout blocks on q with a deadline, per §4.5. Exactly one of the
// waitq wake or the timer fire wins the race to unpark the thread; the
// loser's side-effect (WakeSpecific or Cancel) is a no-op.
func (t *T) WaitTimeout(q *waitqueue.Queue, deadline int64, kind WaitKind) WaitResult {
	lock := q.Lock()
	lock.Lock()

	t.lock.Lock()
	if t.state != StateRunning && t.state != StateReady {
		t.lock.Unlock()
		lock.Unlock()
		return WaitSignaled
	}
	t.runHooks(HookBlock, true)
	t.state = StateBlocked
	w := waitqueue.NewWaiter()
	t.wakeWaiter = w
	t.lock.Unlock()

	q.Add(w)

	delay := deadline
	if kind != RelativeNS {
		delay = deadline - Clock()
		if delay < 0 {
			delay = 0
		}
	}
	timerID := timers.ArmOneshot(delay, func(any) {
		lock.Lock()
		if q.WakeSpecific(w) {
			w.Token = WaitTimeout
		}
		lock.Unlock()
	}, nil)

	lock.Unlock()

	<-w.Ready

	timers.Cancel(timerID)

	t.lock.Lock()
	t.wakeWaiter = nil
	t.runHooks(HookUnblock, true)
	t.state = StateReady
	t.lock.Unlock()
	sched.Enqueue(t)

	lock.Lock()
	res, ok := w.Token.(WaitResult)
	lock.Unlock()
	if ok {
		return res
	}
	return WaitOK
}
