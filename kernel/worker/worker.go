// Package worker implements the deferred-work subsystem of §3.7/§4.8: a
// reference-counted Work object run on a pool of kernel threads, with
// three mutually-exclusive reschedule policies (allow/repeated/balanced).
//
// The pool-of-threads-pulled-by-semaphore shape is grounded on the
// teacher's FastPoller event loop driving work pulled off a shared queue
// (eventloop/poller.go), adapted here to block on kernel/sem instead of
// an epoll fd.
package worker

import (
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/anillo-os/kernel/internal/klog"
	"github.com/anillo-os/kernel/kernel/kerrors"
	"github.com/anillo-os/kernel/kernel/sem"
	"github.com/anillo-os/kernel/kernel/spinlock"
	"github.com/anillo-os/kernel/kernel/thread"
	"github.com/anillo-os/kernel/kernel/timer"
	"github.com/anillo-os/kernel/kernel/waitqueue"
)

// State is one of Work's five lifecycle states, per §3.7.
type State int

const (
	StateIdle State = iota
	StatePending
	StateRunning
	StateFinished
	StateCancelled
)

// Flags modulate reschedule semantics, per §4.8. The three reschedule
// flags are mutually exclusive; Repeated and Balanced each imply Allow.
type Flags uint32

const (
	FlagAllowReschedule Flags = 1 << iota
	FlagRepeatedReschedule
	FlagBalancedReschedule
)

var nextWorkID atomic.Uint64

// Work binds a callback to a reference-counted handle run on the worker
// pool, per §3.7.
type Work struct {
	id uint64

	refcount atomic.Int64

	lock  spinlock.IntSafe
	state State
	flags Flags

	callback func(data any)
	data     any

	// rescheduleCounter counts outstanding reschedule requests accrued
	// while running, per §4.8's repeated/balanced semantics.
	rescheduleCounter int

	timerID         uint64
	completionWaitq *waitqueue.Queue

	inList     bool
	listNext   *Work
}

// New creates a Work object with refcount 1, state idle, per §4.8's
// work_new.
func New(cb func(data any), data any, flags Flags) *Work {
	w := &Work{id: nextWorkID.Add(1), callback: cb, data: data, flags: flags, state: StateIdle}
	w.refcount.Store(1)
	w.completionWaitq = waitqueue.New(&w.lock)
	return w
}

// Retain increments the reference count.
func (w *Work) Retain() error {
	for {
		cur := w.refcount.Load()
		if cur <= 0 {
			return kerrors.New(kerrors.ErrPermanentOutage, "work")
		}
		if w.refcount.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// Release drops the reference count, freeing nothing explicitly (this
// package holds no unmanaged resources once state reaches finished or
// cancelled; callers that embedded allocator-owned storage reclaim it
// themselves once Release's count reaches zero).
func (w *Work) Release() int64 { return w.refcount.Add(-1) }

// State reports the current lifecycle state.
func (w *Work) State() State { return w.state }

// ID returns the work item's stable identifier, for logging/diagnostics.
func (w *Work) ID() uint64 { return w.id }

// Pool is the worker-thread pool of §4.8: an idle-worker semaphore plus a
// ready list of scheduled Work.
type Pool struct {
	timers *timer.Service
	idle   *sem.Semaphore

	lock     spinlock.IntSafe
	listHead *Work
	listTail *Work

	// rejectLog rate-limits the "already in progress" warning so a caller
	// hammering Schedule/Cancel against busy work cannot flood the log.
	rejectLog *catrate.Limiter
}

// NewPool builds a worker pool of n kernel threads, each parking on idle
// when it finds no queued work. newThread creates a suspended thread
// running the given body; resume transitions it to ready (typically
// thread.T.Resume, which enqueues it through kernel/sched).
func NewPool(n int, timers *timer.Service, newThread func(body func(t *thread.T)) *thread.T, resume func(t *thread.T) error) *Pool {
	p := &Pool{
		timers:    timers,
		rejectLog: catrate.NewLimiter(map[time.Duration]int{time.Second: 5}),
	}
	p.idle = sem.New(0, &p.lock)
	for i := 0; i < n; i++ {
		th := newThread(p.workerLoop)
		_ = resume(th)
	}
	return p
}

// logRejectedSchedule logs at most 5 "work already in progress" warnings
// per second, per work id, so a caller looping on a rejected Schedule or
// Cancel call cannot drown the log in identical lines.
func (p *Pool) logRejectedSchedule(w *Work, reason string) {
	if _, allowed := p.rejectLog.Allow(w.id); allowed {
		klog.Component("worker").Work(w.id).Warn(reason)
	}
}

// workerLoop is the body every pool thread runs: pop work, run it, repeat
// forever, parking on the idle semaphore when the list is empty.
func (p *Pool) workerLoop(t *thread.T) {
	for {
		p.idle.Down()
		w := p.popLocked()
		if w == nil {
			continue
		}
		p.run(w)
	}
}

func (p *Pool) popLocked() *Work {
	p.lock.Lock()
	defer p.lock.Unlock()
	w := p.listHead
	if w == nil {
		return nil
	}
	p.listHead = w.listNext
	if p.listHead == nil {
		p.listTail = nil
	}
	w.listNext = nil
	w.inList = false
	return w
}

func (p *Pool) enqueueLocked(w *Work) {
	w.inList = true
	w.listNext = nil
	if p.listTail == nil {
		p.listHead, p.listTail = w, w
	} else {
		p.listTail.listNext = w
		p.listTail = w
	}
}

// Schedule implements work_schedule, §4.8. If delayNS == 0 the work is
// enqueued immediately and an idle worker is woken; otherwise a timer is
// armed that enqueues it on fire. Fails with ErrAlreadyInProgress if the
// work is already pending, whatever its flags, or if it is running and its
// flags forbid rescheduling (see reschedule for the running case).
func (p *Pool) Schedule(w *Work, delayNS int64) error {
	w.lock.Lock()
	switch w.state {
	case StateIdle, StateFinished, StateCancelled:
		w.state = StatePending
		w.lock.Unlock()
	case StatePending:
		w.lock.Unlock()
		p.logRejectedSchedule(w, "schedule rejected: work already pending")
		return kerrors.New(kerrors.ErrAlreadyInProgress, "work already pending")
	case StateRunning:
		err := p.reschedule(w)
		w.lock.Unlock()
		return err
	default:
		w.lock.Unlock()
		return kerrors.New(kerrors.ErrInvalidArgument, "work in unknown state")
	}

	if delayNS == 0 {
		p.lock.Lock()
		p.enqueueLocked(w)
		p.lock.Unlock()
		p.idle.Up()
		return nil
	}
	w.timerID = p.timers.ArmOneshot(delayNS, func(any) {
		p.lock.Lock()
		p.enqueueLocked(w)
		p.lock.Unlock()
		p.idle.Up()
	}, nil)
	return nil
}

// reschedule implements the "running" branch of work_schedule for the
// three reschedule flags, per §4.8's table. Caller holds w.lock.
func (p *Pool) reschedule(w *Work) error {
	switch {
	case w.flags&FlagBalancedReschedule != 0:
		// Balanced accrues exactly like repeated (schedule increments,
		// cancel decrements); only run()'s completion step collapses the
		// net counter to a single extra run, per §4.8/E5.
		w.rescheduleCounter++
		return nil
	case w.flags&FlagRepeatedReschedule != 0:
		w.rescheduleCounter++
		return nil
	case w.flags&FlagAllowReschedule != 0:
		if w.rescheduleCounter == 0 {
			w.rescheduleCounter = 1
		}
		return nil
	default:
		return kerrors.New(kerrors.ErrAlreadyInProgress, "work running, reschedule not allowed")
	}
}

// ScheduleNew is the convenience constructor+schedule of §4.8's
// work_schedule_new. If the caller wants no reference, pass false for
// retained; otherwise the returned *Work is already retained once on the
// caller's behalf (refcount 2: one for the subsystem, one for the
// caller).
func (p *Pool) ScheduleNew(cb func(data any), data any, delayNS int64, flags Flags, retained bool) (*Work, error) {
	w := New(cb, data, flags)
	if retained {
		_ = w.Retain()
	}
	if err := p.Schedule(w, delayNS); err != nil {
		return nil, err
	}
	return w, nil
}

// Cancel implements work_cancel, §4.8. Pending work is dequeued/timer
// cancelled and transitioned to cancelled. Running work fails with
// ErrAlreadyInProgress unless FlagAllowReschedule (or a flag implying it)
// is set, in which case it balances against an outstanding reschedule.
func (p *Pool) Cancel(w *Work) error {
	w.lock.Lock()
	switch w.state {
	case StatePending:
		p.timers.Cancel(w.timerID)
		w.timerID = timer.InvalidID
		if w.inList {
			p.lock.Lock()
			p.unlinkLocked(w)
			p.lock.Unlock()
		}
		w.state = StateCancelled
		w.completionWaitq.WakeAll()
		w.lock.Unlock()
		return nil
	case StateRunning:
		if w.flags&(FlagAllowReschedule|FlagRepeatedReschedule|FlagBalancedReschedule) == 0 {
			w.lock.Unlock()
			p.logRejectedSchedule(w, "cancel rejected: work running, reschedule not allowed")
			return kerrors.New(kerrors.ErrAlreadyInProgress, "work running")
		}
		if w.rescheduleCounter > 0 {
			w.rescheduleCounter--
		}
		w.lock.Unlock()
		return nil
	default:
		w.lock.Unlock()
		return nil
	}
}

func (p *Pool) unlinkLocked(w *Work) {
	if !w.inList {
		return
	}
	var prev *Work
	for cur := p.listHead; cur != nil; cur = cur.listNext {
		if cur == w {
			if prev == nil {
				p.listHead = cur.listNext
			} else {
				prev.listNext = cur.listNext
			}
			if p.listTail == cur {
				p.listTail = prev
			}
			break
		}
		prev = cur
	}
	w.listNext = nil
	w.inList = false
}

// Wait implements work_wait, §4.8: blocks the calling thread on
// completionWaitq until the work finishes or is cancelled.
func (p *Pool) Wait(caller *thread.T, w *Work) error {
	w.lock.Lock()
	state := w.state
	w.lock.Unlock()
	if state == StateFinished {
		return nil
	}
	if state == StateCancelled {
		return kerrors.New(kerrors.ErrCancelled, "work cancelled")
	}
	caller.Wait(w.completionWaitq)

	w.lock.Lock()
	final := w.state
	w.lock.Unlock()
	if final == StateCancelled {
		return kerrors.New(kerrors.ErrCancelled, "work cancelled")
	}
	return nil
}

// run executes w's callback, then resolves any accrued reschedule
// requests per its flags before declaring it finished, per §4.8/E5.
func (p *Pool) run(w *Work) {
	w.lock.Lock()
	w.state = StateRunning
	w.lock.Unlock()

	klog.Component("worker").Work(w.id).Debug("running")
	w.callback(w.data)

	for {
		w.lock.Lock()
		if w.rescheduleCounter > 0 {
			if w.flags&FlagBalancedReschedule != 0 {
				// Balanced collapses any net accrued count to a single
				// extra run, regardless of how large the counter got.
				w.rescheduleCounter = 0
			} else {
				w.rescheduleCounter--
			}
			w.lock.Unlock()
			w.callback(w.data)
			continue
		}
		w.state = StateFinished
		w.completionWaitq.WakeAll()
		w.lock.Unlock()
		return
	}
}
