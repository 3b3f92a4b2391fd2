package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anillo-os/kernel/kernel/irq"
	"github.com/anillo-os/kernel/kernel/kerrors"
	"github.com/anillo-os/kernel/kernel/thread"
	"github.com/anillo-os/kernel/kernel/timer"
)

type noopMasker struct{}

func (noopMasker) InterruptMaskSet()   {}
func (noopMasker) InterruptMaskClear() {}

func init() {
	irq.Init(1, noopMasker{}, func() int { return 0 })
}

// fakeScheduler is the minimal thread.Scheduler a worker pool's threads
// need: Resume calls Enqueue, which here just starts the thread's body on
// its own goroutine, mimicking softarch's one-goroutine-per-thread model
// without any of its CPU/quantum bookkeeping.
type fakeScheduler struct{}

func (fakeScheduler) Enqueue(t *thread.T) {
	go t.Body(t)
}
func (fakeScheduler) Dequeue(*thread.T)      {}
func (fakeScheduler) SuspendedAdd(*thread.T) {}
func (fakeScheduler) Yield()                 {}

func newTestPool(t *testing.T, n int) *Pool {
	t.Helper()
	thread.SetScheduler(fakeScheduler{})
	timers := timer.NewService()
	require.NoError(t, timers.RegisterBackend(timer.NewMonotonicBackend(1000, timers.Fire)))
	return NewPool(n, timers, thread.New, func(th *thread.T) error { return th.Resume() })
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestScheduleRunsCallback(t *testing.T) {
	p := newTestPool(t, 1)
	var ran bool
	var mu sync.Mutex
	w := New(func(any) {
		mu.Lock()
		ran = true
		mu.Unlock()
	}, nil, 0)

	require.NoError(t, p.Schedule(w, 0))
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran
	})
	waitUntil(t, func() bool { return w.State() == StateFinished })
}

func TestScheduleDelayedRunsAfterTimer(t *testing.T) {
	p := newTestPool(t, 1)
	var ran bool
	var mu sync.Mutex
	w := New(func(any) {
		mu.Lock()
		ran = true
		mu.Unlock()
	}, nil, 0)

	require.NoError(t, p.Schedule(w, 5_000_000))
	time.Sleep(time.Millisecond)
	mu.Lock()
	stillPending := !ran
	mu.Unlock()
	assert.True(t, stillPending, "callback must not run before its delay elapses")

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran
	})
}

func TestScheduleWhilePendingFailsWithAlreadyInProgress(t *testing.T) {
	p := newTestPool(t, 0) // no worker threads: work stays pending forever
	w := New(func(any) {}, nil, 0)

	require.NoError(t, p.Schedule(w, 1_000_000_000))
	err := p.Schedule(w, 0)
	assert.Error(t, err)
}

func TestCancelPendingTransitionsToCancelled(t *testing.T) {
	p := newTestPool(t, 0)
	w := New(func(any) {}, nil, 0)

	require.NoError(t, p.Schedule(w, 1_000_000_000))
	require.NoError(t, p.Cancel(w))
	assert.Equal(t, StateCancelled, w.State())
}

func TestCancelRunningWithoutRescheduleFlagFails(t *testing.T) {
	p := newTestPool(t, 0)
	w := New(func(any) {}, nil, 0)
	w.state = StateRunning // simulate being mid-callback

	err := p.Cancel(w)
	assert.Error(t, err)
}

func TestCancelRunningWithAllowRescheduleBalancesCounter(t *testing.T) {
	p := newTestPool(t, 0)
	w := New(func(any) {}, nil, FlagAllowReschedule)
	w.state = StateRunning
	w.rescheduleCounter = 1

	require.NoError(t, p.Cancel(w))
	assert.Equal(t, 0, w.rescheduleCounter)
}

func TestBalancedRescheduleRunsCallbackExactlyOnceMore(t *testing.T) {
	p := newTestPool(t, 1)
	var mu sync.Mutex
	count := 0
	var w *Work
	w = New(func(any) {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		if n == 1 {
			// Reschedule twice while running: balanced collapses this to a
			// single extra run, per §4.8's balanced semantics.
			_ = p.Schedule(w, 0)
			_ = p.Schedule(w, 0)
		}
	}, nil, FlagBalancedReschedule)

	require.NoError(t, p.Schedule(w, 0))
	waitUntil(t, func() bool { return w.State() == StateFinished })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count, "balanced reschedule collapses repeats into exactly one more run")
}

// TestBalancedRescheduleMatchesE5FiveSchedulesTwoCancels exercises §4.8/E5's
// exact scenario directly: 5 schedule-while-running calls followed by 2
// cancel-while-running calls. Balanced accrues exactly like repeated (each
// schedule increments, each cancel decrements), leaving a net count of 3,
// but run()'s completion step collapses any positive net count to a single
// extra run and resets the counter to 0, rather than looping 3 more times.
func TestBalancedRescheduleMatchesE5FiveSchedulesTwoCancels(t *testing.T) {
	p := newTestPool(t, 0)
	count := 0
	w := New(func(any) { count++ }, nil, FlagBalancedReschedule)
	w.state = StateRunning

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Schedule(w, 0))
	}
	require.NoError(t, p.Cancel(w))
	require.NoError(t, p.Cancel(w))
	require.Equal(t, 3, w.rescheduleCounter, "5 schedules then 2 cancels nets to 3, accrued like repeated")

	p.run(w)

	assert.Equal(t, 2, count, "the in-flight run plus exactly one more, per E5")
	assert.Equal(t, StateFinished, w.State())
	assert.Equal(t, 0, w.rescheduleCounter, "counter resets to 0 regardless of the net accrued count")
}

func TestRepeatedRescheduleRunsCallbackOncePerRequest(t *testing.T) {
	p := newTestPool(t, 1)
	var mu sync.Mutex
	count := 0
	var w *Work
	w = New(func(any) {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		if n == 1 {
			_ = p.Schedule(w, 0)
			_ = p.Schedule(w, 0)
		}
	}, nil, FlagRepeatedReschedule)

	require.NoError(t, p.Schedule(w, 0))
	waitUntil(t, func() bool { return w.State() == StateFinished })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, count, "repeated reschedule accrues one extra run per request")
}

func TestWaitReturnsCancelledAfterCancel(t *testing.T) {
	p := newTestPool(t, 0)
	w := New(func(any) {}, nil, 0)
	require.NoError(t, p.Schedule(w, 1_000_000_000))
	require.NoError(t, p.Cancel(w))

	caller := thread.New(func(*thread.T) {})
	err := p.Wait(caller, w)
	assert.ErrorIs(t, err, kerrors.ErrCancelled)
}
