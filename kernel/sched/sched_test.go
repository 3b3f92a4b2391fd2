package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anillo-os/kernel/kernel/arch/archtest"
	"github.com/anillo-os/kernel/kernel/irq"
	"github.com/anillo-os/kernel/kernel/thread"
	"github.com/anillo-os/kernel/kernel/timer"
)

type noopMasker struct{}

func (noopMasker) InterruptMaskSet()   {}
func (noopMasker) InterruptMaskClear() {}

func init() {
	irq.Init(4, noopMasker{}, func() int { return 0 })
}

func newTestScheduler(onPreempt func(cpu int)) (*Scheduler, *archtest.Layer) {
	fake := archtest.New(onPreempt)
	timers := timer.NewService()
	s := New(2, fake, timers)
	return s, fake
}

func TestEnqueuePicksCPUByIDModulo(t *testing.T) {
	s, _ := newTestScheduler(nil)
	t1 := thread.New(func(*thread.T) {})
	t2 := thread.New(func(*thread.T) {})

	s.Enqueue(t1)
	s.Enqueue(t2)

	assert.Equal(t, int(t1.ID())%2, t1.SchedQueueCPU)
	assert.Equal(t, int(t2.ID())%2, t2.SchedQueueCPU)
}

func TestBootstrapDispatchesHeadOfReadyQueue(t *testing.T) {
	s, fake := newTestScheduler(nil)
	ran := false
	th := thread.New(func(*thread.T) { ran = true })
	cpu := int(th.ID()) % 2
	fake.SetCurrentCPU(cpu)

	s.Enqueue(th)
	s.Bootstrap(cpu)
	assert.True(t, ran)
}

// TestPreemptThreadOnCurrentCPUDispatchesImmediately exercises §4.6/E4's
// exact precondition: the caller already holds the preempted thread's own
// lock. PreemptThread must drop that lock itself before dispatch's
// internal prev-lock re-acquisition runs, or this deadlocks (the
// underlying spinlock is not reentrant).
func TestPreemptThreadOnCurrentCPUDispatchesImmediately(t *testing.T) {
	s, fake := newTestScheduler(nil)
	cpu := 0
	fake.SetCurrentCPU(cpu)
	c := s.infos[cpu]

	cur := thread.New(func(*thread.T) {})
	require.NoError(t, cur.Resume())
	s.Dequeue(cur) // pull cur off whatever ready queue pickCPU chose
	// PreemptThread finds cur's CPU through SchedQueueCPU, which still
	// names pickCPU's choice; point it at the CPU cur is made current on.
	cur.SchedQueueCPU = cpu
	c.lock.Lock()
	c.current = cur
	c.lock.Unlock()
	cur.MarkRunning()

	next := thread.New(func(*thread.T) {})
	c.lock.Lock()
	enqueueLocked(c, next)
	c.lock.Unlock()

	cur.Lock().Lock() // simulate the caller already holding cur's lock, per E4
	s.PreemptThread(cur)

	assert.True(t, cur.Flags()&thread.FlagInterrupted != 0)
	assert.NotEmpty(t, fake.Switches)
	assert.Same(t, next, c.current)
	assert.Equal(t, thread.StateReady, cur.State(), "cur must be requeued as ready, not left running")
}

func TestFindLocatesThreadAcrossQueues(t *testing.T) {
	s, _ := newTestScheduler(nil)
	th := thread.New(func(*thread.T) {})
	s.Enqueue(th)

	found := s.Find(th.ID())
	require.NotNil(t, found)
	assert.Equal(t, th.ID(), found.ID())
	found.Release()

	assert.Nil(t, s.Find(th.ID()+999))
}

func TestForeachThreadVisitsSuspendedWhenRequested(t *testing.T) {
	s, _ := newTestScheduler(nil)
	th := thread.New(func(*thread.T) {})
	s.SuspendedAdd(th)

	var seenReady, seenAll int
	s.ForeachThread(func(*thread.T) { seenReady++ }, false)
	s.ForeachThread(func(*thread.T) { seenAll++ }, true)

	assert.Equal(t, 0, seenReady)
	assert.Equal(t, 1, seenAll)
}

func TestOnPreemptTickDispatchesNextReadyThread(t *testing.T) {
	s, fake := newTestScheduler(nil)
	fake.SetCurrentCPU(0)

	ran := false
	th := thread.New(func(*thread.T) { ran = true })
	s.Enqueue(th)
	c := s.infos[th.SchedQueueCPU]
	fake.SetCurrentCPU(c.cpu)

	s.OnPreemptTick(c.cpu)
	assert.True(t, ran)
}
