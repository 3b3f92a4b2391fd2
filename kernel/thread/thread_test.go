package thread

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anillo-os/kernel/kernel/irq"
)

type noopMasker struct{}

func (noopMasker) InterruptMaskSet()   {}
func (noopMasker) InterruptMaskClear() {}

func init() {
	irq.Init(1, noopMasker{}, func() int { return 0 })
}

// fakeScheduler records every call a lifecycle transition makes back into
// kernel/sched's interface, without any real queueing.
type fakeScheduler struct {
	mu       sync.Mutex
	enqueued []uint64
	dequeued []uint64
	suspend  []uint64
	yields   int
}

func (f *fakeScheduler) Enqueue(t *T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, t.ID())
}
func (f *fakeScheduler) Dequeue(t *T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dequeued = append(f.dequeued, t.ID())
}
func (f *fakeScheduler) SuspendedAdd(t *T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspend = append(f.suspend, t.ID())
}
func (f *fakeScheduler) Yield() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.yields++
}

func TestNewStartsSuspendedWithRefcountOne(t *testing.T) {
	th := New(func(*T) {})
	assert.Equal(t, StateSuspended, th.State())
	assert.NoError(t, th.Retain())
	th.Release()
	th.Release()
}

func TestResumeTransitionsSuspendedToReadyAndEnqueues(t *testing.T) {
	fs := &fakeScheduler{}
	SetScheduler(fs)
	th := New(func(*T) {})

	require.NoError(t, th.Resume())
	assert.Equal(t, StateReady, th.State())
	assert.Equal(t, []uint64{th.ID()}, fs.enqueued)

	assert.Error(t, th.Resume(), "resuming a non-suspended thread is an error")
}

func TestSuspendDequeuesFromReady(t *testing.T) {
	fs := &fakeScheduler{}
	SetScheduler(fs)
	th := New(func(*T) {})
	require.NoError(t, th.Resume())

	require.NoError(t, th.Suspend())
	assert.Equal(t, StateSuspended, th.State())
	assert.Contains(t, fs.dequeued, th.ID())
	assert.Contains(t, fs.suspend, th.ID())
}

func TestKillFromDeadIsNoOp(t *testing.T) {
	fs := &fakeScheduler{}
	SetScheduler(fs)
	th := New(func(*T) {})
	th.Kill()
	assert.Equal(t, StateDead, th.State())
	th.Kill() // must not panic or double-wake
}

func TestKillDequeuesAReadyThread(t *testing.T) {
	fs := &fakeScheduler{}
	SetScheduler(fs)
	th := New(func(*T) {})
	require.NoError(t, th.Resume())

	th.Kill()
	assert.Equal(t, StateDead, th.State())
	assert.Contains(t, fs.dequeued, th.ID())

	// Killing an already-blocked-on-nothing suspended thread must not try
	// to dequeue it from a ready queue it was never on.
	other := New(func(*T) {})
	other.Kill()
	assert.Equal(t, StateDead, other.State())
	assert.NotContains(t, fs.dequeued, other.ID())
}

func TestReleaseUnderflowPanics(t *testing.T) {
	th := New(func(*T) {})
	th.Release() // refcount now 0
	assert.Panics(t, func() { th.Release() })
}

func TestRetainAfterZeroReturnsPermanentOutage(t *testing.T) {
	th := New(func(*T) {})
	th.Release()
	assert.Error(t, th.Retain())
}

func TestHookPrecedenceStopsAtFirstPermanentOutage(t *testing.T) {
	th := New(func(*T) {})
	var calls []int
	idx0, err := th.InstallHook(0, func(*T, HookEvent) HookAction {
		calls = append(calls, 0)
		return HookUnknown
	})
	require.NoError(t, err)
	assert.Equal(t, 0, idx0)

	_, err = th.InstallHook(7, func(*T, HookEvent) HookAction {
		calls = append(calls, 1)
		return HookPermanentOutage
	})
	require.NoError(t, err)

	_, err = th.InstallHook(9, func(*T, HookEvent) HookAction {
		calls = append(calls, 2)
		return HookUnknown
	})
	require.NoError(t, err)

	SetScheduler(&fakeScheduler{})
	require.NoError(t, th.Resume())
	assert.Equal(t, []int{0, 1}, calls)
}

func TestUnhandledFaultPanics(t *testing.T) {
	th := New(func(*T) {})
	// Fault events run with the lock released, per hooks.go's discipline.
	assert.Panics(t, func() { th.runHooks(HookPageFault, false) })
}

func TestInstallHookTableFull(t *testing.T) {
	th := New(func(*T) {})
	for i := 1; i < maxHooks; i++ {
		_, err := th.InstallHook(uint64(i), func(*T, HookEvent) HookAction { return HookOK })
		require.NoError(t, err)
	}
	_, err := th.InstallHook(99, func(*T, HookEvent) HookAction { return HookOK })
	assert.Error(t, err)
}
