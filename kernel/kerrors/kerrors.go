// Package kerrors defines the error kinds shared by every concurrency-core
// subsystem (§7 of the specification).
package kerrors

import "errors"

// Sentinel errors, one per error kind in §7. Callers compare with errors.Is.
var (
	// ErrInvalidArgument is returned for a bad pointer, out-of-range value,
	// or a call that is illegal in the callee's current state.
	ErrInvalidArgument = errors.New("kernel: invalid argument")

	// ErrTemporaryOutage is returned when a resource is unavailable right
	// now but a retry may succeed (no memory, no backend registered).
	ErrTemporaryOutage = errors.New("kernel: temporary outage")

	// ErrPermanentOutage is returned when the target object is gone, e.g.
	// a retain after the last reference was released.
	ErrPermanentOutage = errors.New("kernel: permanent outage")

	// ErrNoSuchResource is returned when an id (timer, thread) does not
	// name a live object.
	ErrNoSuchResource = errors.New("kernel: no such resource")

	// ErrAlreadyInProgress is returned when work is running or pending and
	// the caller's flags forbid the requested operation.
	ErrAlreadyInProgress = errors.New("kernel: already in progress")

	// ErrCancelled is returned when a wait ended because the awaited work
	// was cancelled.
	ErrCancelled = errors.New("kernel: cancelled")

	// ErrSignaled is returned when a wait ended due to an asynchronous
	// signal delivery.
	ErrSignaled = errors.New("kernel: signaled")

	// ErrTimeout is returned when a wait ended because its deadline
	// expired.
	ErrTimeout = errors.New("kernel: timeout")

	// ErrShouldRestart tells the caller to retry the operation (e.g. a
	// resolver layered above the core).
	ErrShouldRestart = errors.New("kernel: should restart")
)

// Fault wraps a sentinel kind with the identifier of the resource that
// failed, mirroring the teacher's TypeError/RangeError pattern of a
// lightweight struct implementing Error and Unwrap.
type Fault struct {
	// Kind is one of the sentinel errors above.
	Kind error
	// Resource names the offending id, thread, timer, or similar — purely
	// diagnostic.
	Resource string
}

func (f *Fault) Error() string {
	if f.Resource == "" {
		return f.Kind.Error()
	}
	return f.Kind.Error() + ": " + f.Resource
}

// Unwrap lets errors.Is(err, ErrNoSuchResource) succeed through a *Fault.
func (f *Fault) Unwrap() error { return f.Kind }

// New builds a *Fault for the given kind and resource identifier.
func New(kind error, resource string) error {
	return &Fault{Kind: kind, Resource: resource}
}
