// Package archtest provides a deterministic arch.Layer fake for unit
// tests: no goroutines, no real timers, every seam driven synchronously
// by the test so invariants (§8) can be checked step by step.
//
// Grounded on the teacher's injectable loopTestHooks (eventloop/loop.go),
// which lets tests observe and control internal transitions the real
// runtime would otherwise make asynchronously.
package archtest

import (
	"sync"

	"github.com/anillo-os/kernel/kernel/arch"
)

// ArmedTimer records one ArmPreemptTimer call a test can later fire
// manually via FireTimer.
type ArmedTimer struct {
	CPU   int
	Delay int64
	ID    uint64
}

// Layer is the deterministic fake. Nothing here runs concurrently except
// what the test itself spawns: ContextSwitch and Bootstrap just run next
// synchronously on the calling goroutine (tests control ordering
// entirely), and CurrentCPUID is whatever SetCurrentCPU last recorded for
// the calling test, not discovered from goroutine identity.
type Layer struct {
	mu sync.Mutex

	cpu int

	masked  map[int]bool
	pokes   []int
	timers  []ArmedTimer
	nextID  uint64
	onPreempt func(cpu int)

	// Switches records every ContextSwitch call for assertions.
	Switches []SwitchRecord
}

// SwitchRecord is one observed ContextSwitch call.
type SwitchRecord struct {
	Prev, Next arch.Thread
}

// New builds an archtest.Layer. onPreempt, if non-nil, is invoked by
// FireTimer.
func New(onPreempt func(cpu int)) *Layer {
	return &Layer{masked: make(map[int]bool), onPreempt: onPreempt}
}

// SetCurrentCPU fixes what CurrentCPUID reports, for tests that need to
// simulate being "on" a particular CPU.
func (l *Layer) SetCurrentCPU(cpu int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cpu = cpu
}

func (l *Layer) CurrentCPUID() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cpu
}

// ContextSwitch runs next synchronously (tests use real goroutines for
// actual concurrency scenarios; this fake only records the request when
// next is a no-op test double).
func (l *Layer) ContextSwitch(prev, next arch.Thread) {
	l.mu.Lock()
	l.Switches = append(l.Switches, SwitchRecord{prev, next})
	l.mu.Unlock()
	if next != nil {
		next.Run()
	}
}

// Bootstrap runs initial synchronously.
func (l *Layer) Bootstrap(initial arch.Thread) {
	l.ContextSwitch(nil, initial)
}

// ArmPreemptTimer records the arm request without scheduling anything;
// call FireTimer to simulate it firing.
func (l *Layer) ArmPreemptTimer(cpu int, delay int64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.timers = append(l.timers, ArmedTimer{CPU: cpu, Delay: delay, ID: id})
	return id
}

// FireTimer invokes the onPreempt callback for cpu as if its most
// recently armed preemption timer had fired.
func (l *Layer) FireTimer(cpu int) {
	if l.onPreempt != nil {
		l.onPreempt(cpu)
	}
}

// ArmedTimers returns every recorded ArmPreemptTimer call, for assertions.
func (l *Layer) ArmedTimers() []ArmedTimer {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ArmedTimer, len(l.timers))
	copy(out, l.timers)
	return out
}

// CrossCPUPoke records a poke instead of performing one.
func (l *Layer) CrossCPUPoke(cpu int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pokes = append(l.pokes, cpu)
}

// Pokes returns every CrossCPUPoke target recorded so far.
func (l *Layer) Pokes() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, len(l.pokes))
	copy(out, l.pokes)
	return out
}

func (l *Layer) InterruptMaskSet() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.masked[l.cpu] = true
}

func (l *Layer) InterruptMaskClear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.masked[l.cpu] = false
}

// Masked reports whether cpu's interrupts are currently marked masked.
func (l *Layer) Masked(cpu int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.masked[cpu]
}

// YieldHint is a no-op in the deterministic fake: tests control ordering
// explicitly, so there is nothing to back off from.
func (l *Layer) YieldHint() {}

var _ arch.Layer = (*Layer)(nil)
