// Package sched implements the preemptive per-CPU scheduler of
// §3.6/§4.6: one circular ready queue per CPU, a shared suspended queue,
// and dispatch/preempt/find/foreach operations driven by the arch layer's
// context-switch and preemption-timer seams.
//
// The per-CPU dense array of queues (fsched_infos) is grounded on the
// teacher's per-loop FastState/registry pairing (eventloop/loop.go): one
// owned, lock-guarded structure per execution context, looked up by a
// stable small integer id rather than a map.
package sched

import (
	"github.com/anillo-os/kernel/internal/klog"
	"github.com/anillo-os/kernel/kernel/arch"
	"github.com/anillo-os/kernel/kernel/spinlock"
	"github.com/anillo-os/kernel/kernel/thread"
	"github.com/anillo-os/kernel/kernel/timer"
)

// QuantumNS is the fixed preemption quantum armed after every dispatch.
const QuantumNS int64 = 10_000_000 // 10ms, matching common tick granularity

// cpuInfo is one CPU's ready queue, SchedInfo from §3.6.
type cpuInfo struct {
	lock              spinlock.IntSafe
	head, tail        *thread.T
	count             int
	lastArmedTimerID  uint64
	active            bool
	cpu               int
	current           *thread.T
}

// Scheduler owns every per-CPU ready queue plus the shared suspended
// queue.
type Scheduler struct {
	arch   arch.Layer
	timers *timer.Service

	infos []*cpuInfo

	suspendedLock spinlock.IntSafe
	suspendedHead *thread.T
}

// New builds a Scheduler for numCPU CPUs, driven by the given arch layer
// and timer service.
func New(numCPU int, layer arch.Layer, timers *timer.Service) *Scheduler {
	s := &Scheduler{arch: layer, timers: timers}
	s.infos = make([]*cpuInfo, numCPU)
	for i := range s.infos {
		s.infos[i] = &cpuInfo{cpu: i, active: true}
	}
	thread.SetScheduler(s)
	return s
}

// pickCPU chooses a target CPU for a newly ready thread, round-robin by
// id per §4.6.
func (s *Scheduler) pickCPU(t *thread.T) *cpuInfo {
	return s.infos[int(t.ID())%len(s.infos)]
}

// enqueueLocked appends t at the tail of c's ready queue. Caller holds
// c.lock.
func enqueueLocked(c *cpuInfo, t *thread.T) {
	t.SchedQueueCPU = c.cpu
	t.SchedInQueue = true
	if c.tail == nil {
		c.head, c.tail = t, t
		t.SchedNext, t.SchedPrev = t, t
	} else {
		t.SchedNext = c.head
		t.SchedPrev = c.tail
		c.tail.SchedNext = t
		c.head.SchedPrev = t
		c.tail = t
	}
	c.count++
}

// removeLocked unlinks t from c's ready queue. Caller holds c.lock.
func removeLocked(c *cpuInfo, t *thread.T) {
	if !t.SchedInQueue || t.SchedQueueCPU != c.cpu {
		return
	}
	if c.count == 1 {
		c.head, c.tail = nil, nil
	} else {
		t.SchedPrev.SchedNext = t.SchedNext
		t.SchedNext.SchedPrev = t.SchedPrev
		if c.head == t {
			c.head = t.SchedNext
		}
		if c.tail == t {
			c.tail = t.SchedPrev
		}
	}
	t.SchedNext, t.SchedPrev = nil, nil
	t.SchedInQueue = false
	c.count--
}

// Enqueue implements thread.Scheduler: places t on its round-robin CPU's
// ready queue tail.
func (s *Scheduler) Enqueue(t *thread.T) {
	c := s.pickCPU(t)
	c.lock.Lock()
	enqueueLocked(c, t)
	c.lock.Unlock()
	if c.cpu != s.arch.CurrentCPUID() {
		s.arch.CrossCPUPoke(c.cpu)
	}
}

// Dequeue implements thread.Scheduler: removes t from whichever queue it
// currently sits on (ready or suspended).
func (s *Scheduler) Dequeue(t *thread.T) {
	if t.SchedInQueue {
		c := s.infos[t.SchedQueueCPU]
		c.lock.Lock()
		removeLocked(c, t)
		c.lock.Unlock()
		return
	}
	s.suspendedLock.Lock()
	s.removeSuspendedLocked(t)
	s.suspendedLock.Unlock()
}

// SuspendedAdd implements thread.Scheduler: parks t on the shared
// suspended queue.
func (s *Scheduler) SuspendedAdd(t *thread.T) {
	s.suspendedLock.Lock()
	defer s.suspendedLock.Unlock()
	t.SchedNext = s.suspendedHead
	t.SchedPrev = nil
	if s.suspendedHead != nil {
		s.suspendedHead.SchedPrev = t
	}
	s.suspendedHead = t
	t.SchedInQueue = false
}

func (s *Scheduler) removeSuspendedLocked(t *thread.T) {
	if t.SchedPrev != nil {
		t.SchedPrev.SchedNext = t.SchedNext
	} else if s.suspendedHead == t {
		s.suspendedHead = t.SchedNext
	}
	if t.SchedNext != nil {
		t.SchedNext.SchedPrev = t.SchedPrev
	}
	t.SchedNext, t.SchedPrev = nil, nil
}

// Yield implements thread.Scheduler: the calling thread voluntarily gives
// up its CPU, per "running → ready" in §4.5's transition table.
func (s *Scheduler) Yield() {
	cpu := s.arch.CurrentCPUID()
	s.dispatch(s.infos[cpu])
}

// Bootstrap starts the very first thread on cpu, per §4.6's
// sched_bootstrap.
func (s *Scheduler) Bootstrap(cpu int) {
	c := s.infos[cpu]
	c.lock.Lock()
	next := c.head
	if next != nil {
		removeLocked(c, next)
	}
	c.current = next
	c.lock.Unlock()
	if next == nil {
		arch.Panic("sched: bootstrap on cpu %d with empty ready queue", cpu)
	}
	next.MarkRunning()
	s.armQuantum(c)
	s.arch.Bootstrap(threadBody{next})
}

// dispatch implements the core preemption-tick/yield path of §4.6:
// requeue the current thread (if still ready), pick the new head, arm the
// next quantum, and context-switch.
func (s *Scheduler) dispatch(c *cpuInfo) {
	c.lock.Lock()
	prev := c.current
	if prev != nil {
		prev.Lock().Lock()
		stillReady := prev.State() == thread.StateRunning
		prev.Lock().Unlock()
		if stillReady {
			prev.MarkReady()
			enqueueLocked(c, prev)
		}
	}
	next := c.head
	if next != nil {
		removeLocked(c, next)
	}
	c.current = next
	c.lock.Unlock()

	if next == nil {
		return
	}
	next.Lock().Lock()
	next.ClearFlag(thread.FlagInterrupted)
	next.Lock().Unlock()
	next.MarkRunning()

	s.armQuantum(c)

	var prevBody, nextBody arch.Thread
	if prev != nil {
		prevBody = threadBody{prev}
	}
	nextBody = threadBody{next}
	s.arch.ContextSwitch(prevBody, nextBody)
}

func (s *Scheduler) armQuantum(c *cpuInfo) {
	c.lastArmedTimerID = uint64(s.arch.ArmPreemptTimer(c.cpu, QuantumNS))
}

// PreemptThread marks t to be preempted ASAP, per §4.6. Per E4, the caller
// must already hold t's lock; PreemptThread drops it unconditionally
// before returning, so dispatch's own prev-lock re-acquisition below never
// races (or deadlocks against) the caller's hold. If t is the thread
// currently running on its CPU, this call does not return to the caller
// until t is rescheduled: it drops t's lock and yields immediately.
func (s *Scheduler) PreemptThread(t *thread.T) {
	t.SetFlag(thread.FlagInterrupted)
	c := s.infos[t.SchedQueueCPU]
	isCurrent := c.current == t
	t.Lock().Unlock()
	if isCurrent {
		s.dispatch(c)
	}
}

// PreemptCPU signals cpu's scheduler to reschedule at its next
// opportunity, abstracted as a single cross-CPU poke.
func (s *Scheduler) PreemptCPU(cpu int) {
	s.arch.CrossCPUPoke(cpu)
}

// Find scans every ready queue and the suspended queue for a thread with
// the given id, returning a retained handle or nil, per §4.6.
func (s *Scheduler) Find(id uint64) *thread.T {
	for _, c := range s.infos {
		c.lock.Lock()
		if c.current != nil && c.current.ID() == id {
			t := c.current
			c.lock.Unlock()
			if t.Retain() == nil {
				return t
			}
			return nil
		}
		t := c.head
		for i := 0; i < c.count; i++ {
			if t.ID() == id {
				c.lock.Unlock()
				if t.Retain() == nil {
					return t
				}
				return nil
			}
			t = t.SchedNext
		}
		c.lock.Unlock()
	}
	s.suspendedLock.Lock()
	defer s.suspendedLock.Unlock()
	for t := s.suspendedHead; t != nil; t = t.SchedNext {
		if t.ID() == id {
			if t.Retain() == nil {
				return t
			}
			return nil
		}
	}
	return nil
}

// ForeachThread iterates every thread across all queues, per §4.6. The
// callback must not call any scheduler mutator.
func (s *Scheduler) ForeachThread(cb func(t *thread.T), includeSuspended bool) {
	for _, c := range s.infos {
		c.lock.Lock()
		if c.current != nil {
			cb(c.current)
		}
		t := c.head
		for i := 0; i < c.count; i++ {
			cb(t)
			t = t.SchedNext
		}
		c.lock.Unlock()
	}
	if !includeSuspended {
		return
	}
	s.suspendedLock.Lock()
	defer s.suspendedLock.Unlock()
	for t := s.suspendedHead; t != nil; t = t.SchedNext {
		cb(t)
	}
}

// threadBody adapts *thread.T to arch.Thread.
type threadBody struct{ t *thread.T }

func (b threadBody) Run() { b.t.Body(b.t) }

// OnPreemptTick is the callback the arch layer invokes on cpu's armed
// quantum expiring; it performs the tick-driven dispatch of §4.6.
func (s *Scheduler) OnPreemptTick(cpu int) {
	klog.Component("sched").CPU(cpu).Debug("preempt tick")
	s.dispatch(s.infos[cpu])
}
