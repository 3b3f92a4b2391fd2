package timer

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// UnixBackend is a TimerBackend driven directly by the host's
// CLOCK_MONOTONIC via golang.org/x/sys/unix, claiming nanosecond precision
// rather than MonotonicBackend's conservative microsecond estimate. It
// stands in for the tighter hardware tick source §4.7 describes a real
// platform registering after boot: once registered, its smaller
// PrecisionNS makes it take over per the switch-only-on-greater-precision
// rule, and every pending entry is recomputed against its clock (E6).
//
// Scheduling a callback still rides on a Go timer (no actual hardware
// interrupt line is available from userspace), so UnixBackend only changes
// which clock delays and deadlines are measured against, not how the
// eventual fire is delivered.
type UnixBackend struct {
	fire func()

	mu      sync.Mutex
	pending *pendingTimer
}

type pendingTimer struct {
	cancelled bool
}

// NewUnixBackend builds a backend that calls fire when its armed delay
// elapses, with its clock read through unix.ClockGettime.
func NewUnixBackend(fire func()) *UnixBackend {
	return &UnixBackend{fire: fire}
}

func (b *UnixBackend) Name() string { return "unix-clock-monotonic" }

// PrecisionNS claims single-nanosecond precision: clock_gettime itself has
// no coarser granularity floor the way a periodic tick source would.
func (b *UnixBackend) PrecisionNS() int64 { return 1 }

func (b *UnixBackend) Schedule(delayNS int64) {
	b.mu.Lock()
	if b.pending != nil {
		b.pending.cancelled = true
	}
	p := &pendingTimer{}
	b.pending = p
	b.mu.Unlock()

	time.AfterFunc(time.Duration(delayNS), func() {
		b.mu.Lock()
		fire := !p.cancelled
		b.mu.Unlock()
		if fire {
			b.fire()
		}
	})
}

func (b *UnixBackend) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending != nil {
		b.pending.cancelled = true
	}
}

// CurrentTimestamp reads CLOCK_MONOTONIC directly rather than going through
// time.Now(), per this backend's reason for existing.
func (b *UnixBackend) CurrentTimestamp() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// CLOCK_MONOTONIC is always present on a functioning host; a
		// failure here means the kernel itself is broken, not a
		// recoverable condition this backend can retry past.
		panic("timer: clock_gettime(CLOCK_MONOTONIC) failed: " + err.Error())
	}
	return ts.Nano()
}

func (b *UnixBackend) DeltaToNS(start, end int64) int64 {
	return end - start
}
