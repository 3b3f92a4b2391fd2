package timer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a manually driven Backend: no real clock, no goroutines.
// Schedule/Cancel just record the most recent call; tests advance "now" and
// invoke Fire themselves.
type fakeBackend struct {
	mu          sync.Mutex
	name        string
	precisionNS int64
	now         int64
	scheduled   bool
	lastDelay   int64
}

func newFakeBackend(name string, precisionNS int64) *fakeBackend {
	return &fakeBackend{name: name, precisionNS: precisionNS}
}

func (b *fakeBackend) Name() string       { return b.name }
func (b *fakeBackend) PrecisionNS() int64 { return b.precisionNS }
func (b *fakeBackend) Schedule(delayNS int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scheduled = true
	b.lastDelay = delayNS
}
func (b *fakeBackend) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scheduled = false
}
func (b *fakeBackend) CurrentTimestamp() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now
}
func (b *fakeBackend) DeltaToNS(start, end int64) int64 { return end - start }

func (b *fakeBackend) advance(deltaNS int64) {
	b.mu.Lock()
	b.now += deltaNS
	b.mu.Unlock()
}

func TestArmOneshotOrdersByDeadline(t *testing.T) {
	be := newFakeBackend("fake", 1000)
	s := NewService()
	require.NoError(t, s.RegisterBackend(be))

	var fired []string
	s.ArmOneshot(8000, func(any) { fired = append(fired, "c") }, nil)
	s.ArmOneshot(1000, func(any) { fired = append(fired, "a") }, nil)
	s.ArmOneshot(4000, func(any) { fired = append(fired, "b") }, nil)

	// Advance just past each deadline in turn and fire, rather than all the
	// way to the end in one jump: once every remaining delay clamps to 0
	// simultaneously the heap no longer distinguishes their relative order.
	be.advance(1200)
	s.Fire()
	be.advance(3000)
	s.Fire()
	be.advance(4000)
	s.Fire()

	assert.Equal(t, []string{"a", "b", "c"}, fired)
}

func TestCancelPreventsFire(t *testing.T) {
	be := newFakeBackend("fake", 1000)
	s := NewService()
	require.NoError(t, s.RegisterBackend(be))

	fired := false
	id := s.ArmOneshot(1000, func(any) { fired = true }, nil)
	s.Cancel(id)

	be.advance(1000 + MinSchedDelayNS)
	s.Fire()
	assert.False(t, fired)
}

func TestFireDropsBothLocksDuringCallback(t *testing.T) {
	be := newFakeBackend("fake", 1000)
	s := NewService()
	require.NoError(t, s.RegisterBackend(be))

	var nestedID uint64
	s.ArmOneshot(1000, func(any) {
		// Arming a new timer from inside a callback must not deadlock:
		// Fire has dropped both locks before invoking the callback.
		nestedID = s.ArmOneshot(5000, func(any) {}, nil)
	}, nil)

	be.advance(1000 + MinSchedDelayNS)
	s.Fire()
	assert.NotEqual(t, InvalidID, nestedID)
}

func TestBackendSwitchOnlyToStrictlyMorePrecise(t *testing.T) {
	coarse := newFakeBackend("coarse", 1000)
	fine := newFakeBackend("fine", 100)
	coarser := newFakeBackend("coarser", 2000)

	s := NewService()
	require.NoError(t, s.RegisterBackend(coarse))
	require.NoError(t, s.RegisterBackend(fine))
	require.NoError(t, s.RegisterBackend(coarser))

	s.backendLock.Lock()
	active := s.backend
	s.backendLock.Unlock()
	assert.Same(t, fine, active, "only a strictly more precise backend takes over")
}

func TestBackendSwitchRecomputesPendingDelays(t *testing.T) {
	coarse := newFakeBackend("coarse", 1000)
	s := NewService()
	require.NoError(t, s.RegisterBackend(coarse))

	id := s.ArmOneshot(10000, func(any) {}, nil)
	coarse.advance(4000) // 6000ns of the original delay remain

	fine := newFakeBackend("fine", 100)
	fine.now = coarse.now // shares the same logical clock for this test
	require.NoError(t, s.RegisterBackend(fine))

	s.queueLock.Lock()
	e, ok := s.byID[id]
	s.queueLock.Unlock()
	require.True(t, ok)
	assert.Equal(t, int64(6000), e.remainingDelayNS)
}

func TestRegisterBackendTableFull(t *testing.T) {
	s := NewService()
	for i := 0; i < maxBackends; i++ {
		require.NoError(t, s.RegisterBackend(newFakeBackend("b", int64(1000+i))))
	}
	assert.Error(t, s.RegisterBackend(newFakeBackend("overflow", 1)))
}
