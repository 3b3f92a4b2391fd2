// Package timer implements the deadline-ordered timer service of
// §3.5/§4.7: a pluggable hardware backend driving a min-heap of pending
// one-shot timers, with precision-based backend switching and an
// at-most-once, lock-dropped-during-callback fire discipline.
//
// The min-heap is grounded on container/heap the way the teacher's
// registry.go grounds its scavenging ring on a fixed-capacity slice;
// unlike that registry this one is ordered, so container/heap is the
// natural fit rather than a hand-rolled free list.
package timer

import (
	"container/heap"

	"github.com/anillo-os/kernel/internal/klog"
	"github.com/anillo-os/kernel/kernel/kerrors"
	"github.com/anillo-os/kernel/kernel/spinlock"
)

// InvalidID is FTIMERS_ID_INVALID from §3.5: never returned by ArmOneshot.
const InvalidID uint64 = 0

// MinSchedDelayNS is the floor added to the root's remaining delay when
// arming the backend (§4.7), so the CPU is not drowned in back-to-back
// fires.
const MinSchedDelayNS int64 = 1000

// Backend is the pluggable hardware timer contract of §4.7.
type Backend interface {
	Name() string
	PrecisionNS() int64
	Schedule(delayNS int64)
	Cancel()
	CurrentTimestamp() int64
	DeltaToNS(start, end int64) int64
}

type entry struct {
	id                   uint64
	remainingDelayNS     int64
	mostRecentTimestamp  int64
	callback             func(data any)
	data                 any
	disabled             bool
	heapIndex            int
}

type minHeap []*entry

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	return h[i].remainingDelayNS < h[j].remainingDelayNS
}
func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *minHeap) Push(x any) {
	e := x.(*entry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Service is the timer service of §4.7: one backend lock, one queue lock,
// a registered-backend table, and the pending-timer heap.
type Service struct {
	backendLock spinlock.IntSafe
	backend     Backend
	backends    [maxBackends]Backend
	numBackends int

	queueLock spinlock.IntSafe
	heap      minHeap
	byID      map[uint64]*entry
	nextID    uint64
}

const maxBackends = 4

// NewService builds an empty timer service. RegisterBackend must be called
// at least once before ArmOneshot.
func NewService() *Service {
	return &Service{byID: make(map[uint64]*entry)}
}

// RegisterBackend adds b to the backend table. The active backend is
// switched to b only if b is strictly more precise (smaller PrecisionNS)
// than the current active backend, per §4.7.
func (s *Service) RegisterBackend(b Backend) error {
	s.backendLock.Lock()
	defer s.backendLock.Unlock()
	if s.numBackends >= maxBackends {
		return kerrors.New(kerrors.ErrTemporaryOutage, "timer backend table full")
	}
	s.backends[s.numBackends] = b
	s.numBackends++

	if s.backend == nil || b.PrecisionNS() < s.backend.PrecisionNS() {
		old := s.backend
		s.backend = b
		klog.Component("timer").Info("backend switched to " + b.Name())
		s.rearmOnBackendSwitch(old)
	}
	return nil
}

// rearmOnBackendSwitch implements E6: cancel the old backend, recompute
// every pending entry's remaining delay (elapsed time is measured on the
// old backend's clock, which the entries' timestamps came from), rebase
// every entry's timestamp onto the new backend's clock, and arm the new
// backend for the (possibly re-ordered) root. Caller must hold backendLock.
func (s *Service) rearmOnBackendSwitch(old Backend) {
	if old != nil {
		old.Cancel()
	}
	s.queueLock.Lock()
	defer s.queueLock.Unlock()
	now := s.backend.CurrentTimestamp()
	if old != nil {
		oldNow := old.CurrentTimestamp()
		for _, e := range s.heap {
			if !e.disabled {
				elapsed := old.DeltaToNS(e.mostRecentTimestamp, oldNow)
				e.remainingDelayNS -= elapsed
				if e.remainingDelayNS < 0 {
					e.remainingDelayNS = 0
				}
			}
			e.mostRecentTimestamp = now
		}
	}
	heap.Init(&s.heap)
	s.armRootLocked()
}

// recalcLocked applies elapsed real time since each entry's last timestamp
// to its remaining delay, per step 2 of §4.7's oneshot_blocking. Caller
// must hold both backendLock and queueLock.
func (s *Service) recalcLocked() {
	now := s.backend.CurrentTimestamp()
	for _, e := range s.heap {
		elapsed := s.backend.DeltaToNS(e.mostRecentTimestamp, now)
		e.remainingDelayNS -= elapsed
		if e.remainingDelayNS < 0 {
			e.remainingDelayNS = 0
		}
		e.mostRecentTimestamp = now
	}
	heap.Init(&s.heap)
}

// armRootLocked arms the backend for the current root, or cancels it if
// the heap is empty. Caller must hold both locks.
func (s *Service) armRootLocked() {
	if len(s.heap) == 0 {
		s.backend.Cancel()
		return
	}
	root := s.heap[0]
	actual := root.remainingDelayNS + MinSchedDelayNS
	s.backend.Schedule(actual)
}

// Now reports the active backend's current timestamp, the seam
// kernel/thread.Clock is wired to for resolving AbsoluteNS/
// AbsoluteMonotonic waits (§4.5) against whichever backend is currently
// active.
func (s *Service) Now() int64 {
	s.backendLock.Lock()
	defer s.backendLock.Unlock()
	return s.backend.CurrentTimestamp()
}

// ArmOneshot schedules cb(data) to run after delayNS nanoseconds, per
// §4.7's oneshot_blocking, and returns its id.
func (s *Service) ArmOneshot(delayNS int64, cb func(data any), data any) uint64 {
	if delayNS < 0 {
		delayNS = 0
	}
	s.backendLock.Lock()
	defer s.backendLock.Unlock()
	s.queueLock.Lock()
	defer s.queueLock.Unlock()

	s.recalcLocked()

	s.nextID++
	id := s.nextID
	e := &entry{
		id:                  id,
		remainingDelayNS:    delayNS,
		mostRecentTimestamp: s.backend.CurrentTimestamp(),
		callback:            cb,
		data:                data,
	}
	s.byID[id] = e
	heap.Push(&s.heap, e)
	s.armRootLocked()
	return id
}

// Cancel disables the timer identified by id, per §4.7. A disabled entry
// at the root also forces a backend cancel so the next schedule re-arms
// cleanly; otherwise it is cleaned up lazily the next time Fire runs.
func (s *Service) Cancel(id uint64) {
	if id == InvalidID {
		return
	}
	s.backendLock.Lock()
	defer s.backendLock.Unlock()
	s.queueLock.Lock()
	e, ok := s.byID[id]
	if !ok || e.disabled {
		s.queueLock.Unlock()
		return
	}
	e.disabled = true
	isRoot := len(s.heap) > 0 && s.heap[0] == e
	s.queueLock.Unlock()
	if isRoot {
		s.backend.Cancel()
	}
}

// Fire is invoked by the backend when its armed deadline elapses, per
// §4.7. It pops every entry that is due (or disabled) from the root,
// invoking callbacks with both locks dropped, until the new root is not
// yet due.
func (s *Service) Fire() {
	for {
		s.backendLock.Lock()
		s.queueLock.Lock()
		s.recalcLocked()
		if len(s.heap) == 0 {
			s.queueLock.Unlock()
			s.backendLock.Unlock()
			return
		}
		root := s.heap[0]
		if !root.disabled && root.remainingDelayNS > 0 {
			s.armRootLocked()
			s.queueLock.Unlock()
			s.backendLock.Unlock()
			return
		}
		heap.Pop(&s.heap)
		delete(s.byID, root.id)
		cb, data, disabled := root.callback, root.data, root.disabled
		s.armRootLocked()
		s.queueLock.Unlock()
		s.backendLock.Unlock()

		if !disabled {
			cb(data)
		}
	}
}
