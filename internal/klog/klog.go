// Package klog centralizes structured logging for every concurrency-core
// subsystem, the way the teacher's eventloop/logging.go centralizes
// LogEntry{Category, LoopID, TaskID, TimerID} behind a single package-level
// logger. Unlike the teacher's built-in fallback logger, this wraps the
// actual logiface facade (github.com/joeycumines/logiface) bound to a
// log/slog backend via logiface-slog, matching how the rest of the
// joeycumines/go-utilpkg monorepo does structured logging in production.
package klog

import (
	"log/slog"
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	islog "github.com/joeycumines/logiface-slog"
)

var (
	mu      sync.RWMutex
	current *logiface.Logger[*islog.Event]
)

func init() {
	SetHandler(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// SetHandler replaces the slog.Handler backing the global kernel logger.
// Call once during boot, before any subsystem starts logging.
func SetHandler(h slog.Handler) {
	mu.Lock()
	defer mu.Unlock()
	current = logiface.New[*islog.Event](islog.WithSlogHandler(h))
}

func logger() *logiface.Logger[*islog.Event] {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Component returns a field builder scoped to the named subsystem
// (e.g. "sched", "timer", "waitqueue"), mirroring LogEntry.Category.
func Component(name string) *Fields {
	return &Fields{component: name}
}

// Fields accumulates kernel-flavored structured context before a log call,
// analogous to the teacher's LogEntry fields (LoopID, TaskID, TimerID).
type Fields struct {
	component string
	cpu       int
	hasCPU    bool
	threadID  uint64
	hasThread bool
	timerID   uint64
	hasTimer  bool
	workID    uint64
	hasWork   bool
}

func (f Fields) CPU(id int) Fields       { f.cpu, f.hasCPU = id, true; return f }
func (f Fields) Thread(id uint64) Fields { f.threadID, f.hasThread = id, true; return f }
func (f Fields) Timer(id uint64) Fields  { f.timerID, f.hasTimer = id, true; return f }
func (f Fields) Work(id uint64) Fields   { f.workID, f.hasWork = id, true; return f }

func (f Fields) apply(b *logiface.Builder[*islog.Event]) *logiface.Builder[*islog.Event] {
	b = b.Str("component", f.component)
	if f.hasCPU {
		b = b.Int("cpu", f.cpu)
	}
	if f.hasThread {
		b = b.Uint64("thread", f.threadID)
	}
	if f.hasTimer {
		b = b.Uint64("timer", f.timerID)
	}
	if f.hasWork {
		b = b.Uint64("work", f.workID)
	}
	return b
}

// Debug logs a debug-level structured event.
func (f Fields) Debug(msg string) { f.apply(logger().Debug()).Log(msg) }

// Info logs an informational structured event.
func (f Fields) Info(msg string) { f.apply(logger().Info()).Log(msg) }

// Warn logs a warning structured event.
func (f Fields) Warn(msg string) { f.apply(logger().Warning()).Log(msg) }

// Err logs an error-level structured event with the causing error attached.
func (f Fields) Err(err error, msg string) { f.apply(logger().Err()).Err(err).Log(msg) }
