package timer

import (
	"sync"
	"time"
)

// MonotonicBackend is a TimerBackend driven by the Go runtime's monotonic
// clock, precise to about a microsecond on most platforms. It is the
// backend softarch-based boots register first; a platform providing a
// tighter hardware tick (e.g. a cycle-counter-backed backend) would
// register afterward and, being more precise, take over per §4.7's
// switch-only-on-greater-precision rule.
type MonotonicBackend struct {
	precisionNS int64
	fire        func()

	mu      sync.Mutex
	timer   *time.Timer
	armedAt int64
}

// NewMonotonicBackend builds a backend that calls fire when its armed
// delay elapses, claiming precisionNS nanoseconds of precision.
func NewMonotonicBackend(precisionNS int64, fire func()) *MonotonicBackend {
	return &MonotonicBackend{precisionNS: precisionNS, fire: fire}
}

func (b *MonotonicBackend) Name() string     { return "monotonic" }
func (b *MonotonicBackend) PrecisionNS() int64 { return b.precisionNS }

func (b *MonotonicBackend) Schedule(delayNS int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(time.Duration(delayNS), b.fire)
}

func (b *MonotonicBackend) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// monoEpoch anchors MonotonicBackend timestamps; time.Since measures from it
// with the monotonic reading time.Now carries.
var monoEpoch = time.Now()

func (b *MonotonicBackend) CurrentTimestamp() int64 {
	return int64(time.Since(monoEpoch))
}

func (b *MonotonicBackend) DeltaToNS(start, end int64) int64 {
	return end - start
}
