// Package softarch is the one concrete arch.Layer shipped with this
// module: a software stand-in for real register-context switching, since
// no single hardware architecture is fixed (§1).
//
// LIMITATION (recorded in DESIGN.md): Go gives no portable way to forcibly
// suspend an arbitrary running goroutine's call stack from outside it and
// resume it later at the exact instruction — that is what real hardware
// interrupts plus a saved register file buy a kernel. softarch therefore
// runs every kernel thread on its own persistent goroutine (started once,
// parked on a channel between dispatches) rather than multiplexing thread
// bodies onto one goroutine per CPU: a goroutine blocked on a channel
// receive already resumes exactly where it left off, which is the one
// primitive Go gives us that has the right resume semantics. "current
// thread per CPU" and the preemption timer are bookkeeping over that.
//
// The channel-handoff-as-self-pipe idea is grounded on the teacher's
// wakeup_darwin.go/wakeup_linux.go, where a blocked waiter is kicked via a
// dedicated fd/channel from another goroutine.
package softarch

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anillo-os/kernel/kernel/arch"
)

// goroutineID recovers the calling goroutine's runtime id by parsing the
// "goroutine NNN [...]:" header runtime.Stack always writes first. Go
// gives no supported goroutine-local-storage API; this is the same
// stack-parsing idiom the teacher's monorepo ships as its own standalone
// goroutineid package (only that package's go.mod, not its source, was
// available to ground an import on here, so the parser is reproduced
// directly rather than faked behind an import).
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseInt(string(b), 10, 64)
	return id
}

type threadState struct {
	turn    chan struct{}
	started bool
	// assignedCPU is written by dispatch before the turn send and read by
	// the woken goroutine after the matching receive; the channel
	// operation is what makes this safe without its own lock.
	assignedCPU int
}

type cpuState struct {
	id int

	// poke is a 1-buffered channel a cross-CPU notification is sent on.
	poke chan struct{}

	timerMu sync.Mutex
	timer   *time.Timer
	timerID uint64
	masked  atomic.Bool
}

// Layer is the software arch.Layer implementation.
type Layer struct {
	cpus      []*cpuState
	nextTmrID atomic.Uint64

	mu      sync.Mutex
	threads map[arch.Thread]*threadState

	// onPreemptTick is invoked when an armed preemption timer fires;
	// typically kernel/sched.Scheduler.OnPreemptTick.
	onPreemptTick func(cpu int)

	// curCPU maps a goroutine id (see goroutineID) to the CPU it
	// currently represents, updated on every dispatch.
	curCPU sync.Map // int64 -> int
}

// New builds a Layer with numCPU software CPUs.
func New(numCPU int, onPreemptTick func(cpu int)) *Layer {
	l := &Layer{onPreemptTick: onPreemptTick, threads: make(map[arch.Thread]*threadState)}
	l.cpus = make([]*cpuState, numCPU)
	for i := range l.cpus {
		l.cpus[i] = &cpuState{id: i, poke: make(chan struct{}, 1)}
	}
	return l
}

func (l *Layer) stateFor(t arch.Thread) *threadState {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.threads[t]
	if !ok {
		s = &threadState{turn: make(chan struct{}, 1)}
		l.threads[t] = s
	}
	return s
}

// Bootstrap starts initial running on CPU 0's dedicated goroutine and
// returns immediately; initial (and whatever ContextSwitch later
// dispatches in its place) runs concurrently from that point on. Call
// once at boot, per thread.
func (l *Layer) Bootstrap(initial arch.Thread) {
	l.dispatch(0, initial)
}

// dispatch starts (if new) or resumes (if previously parked) t's
// dedicated goroutine as the thread now assigned to cpu.
func (l *Layer) dispatch(cpu int, t arch.Thread) {
	s := l.stateFor(t)
	s.assignedCPU = cpu
	if !s.started {
		s.started = true
		go func() {
			<-s.turn
			l.curCPU.Store(goroutineID(), s.assignedCPU)
			t.Run()
		}()
	}
	s.turn <- struct{}{}
}

// ContextSwitch hands the CPU the calling goroutine currently represents
// over from prev to next. prev's goroutine is left parked (it does not
// return from this call until it is dispatched again); next's goroutine
// is woken or started.
func (l *Layer) ContextSwitch(prev, next arch.Thread) {
	cpu := l.CurrentCPUID()
	l.dispatch(cpu, next)
	if prev == nil {
		return
	}
	ps := l.stateFor(prev)
	<-ps.turn // blocks here until this thread is dispatched again
	l.curCPU.Store(goroutineID(), ps.assignedCPU)
}

// CurrentCPUID identifies the software CPU the calling goroutine's thread
// is currently assigned to, or 0 if called from a goroutine softarch does
// not recognize (e.g. before any dispatch, or from a helper goroutine such
// as a timer callback — those should thread their own cpu id through
// instead of calling this).
func (l *Layer) CurrentCPUID() int {
	if v, ok := l.curCPU.Load(goroutineID()); ok {
		return v.(int)
	}
	return 0
}

// ArmPreemptTimer arms a one-shot preemption callback delayNS in the
// future for cpu, returning an opaque id. Re-arming cancels any
// previously armed tick for that CPU.
func (l *Layer) ArmPreemptTimer(cpu int, delayNS int64) uint64 {
	c := l.cpus[cpu]
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	id := l.nextTmrID.Add(1)
	c.timerID = id
	c.timer = time.AfterFunc(time.Duration(delayNS), func() {
		c.timerMu.Lock()
		stillCurrent := c.timerID == id
		c.timerMu.Unlock()
		if stillCurrent && l.onPreemptTick != nil {
			l.onPreemptTick(cpu)
		}
	})
	return id
}

// CrossCPUPoke raises the abstracted cross-CPU interrupt on cpu,
// mirroring an IPI.
func (l *Layer) CrossCPUPoke(cpu int) {
	select {
	case l.cpus[cpu].poke <- struct{}{}:
	default:
	}
}

// InterruptMaskSet marks the calling CPU's interrupts masked. Software
// stand-in: nothing actually stops Go's scheduler; the flag is only
// bookkeeping, set on kernel/irq.Counter's 0->1 edges.
func (l *Layer) InterruptMaskSet() {
	l.cpus[l.CurrentCPUID()].masked.Store(true)
}

// InterruptMaskClear unmasks the calling CPU.
func (l *Layer) InterruptMaskClear() {
	l.cpus[l.CurrentCPUID()].masked.Store(false)
}

// YieldHint is the spin-wait backoff primitive; runtime.Gosched is the
// direct Go analogue of a PAUSE instruction, grounded on the teacher's
// MicrotaskRing.Pop backoff (eventloop/ingress.go).
func (l *Layer) YieldHint() {
	runtime.Gosched()
}
