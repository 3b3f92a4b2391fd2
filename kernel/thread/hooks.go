package thread

import (
	"github.com/anillo-os/kernel/kernel/arch"
	"github.com/anillo-os/kernel/kernel/kerrors"
)

// InstallHook claims the lowest free slot for ownerID and returns its
// index, or ErrTemporaryOutage if the table is full. Slot 0 is reserved
// for the thread manager per §4.5 and is only granted to ownerID 0.
func (t *T) InstallHook(ownerID uint64, fn HookFunc) (int, error) {
	start := 1
	if ownerID == 0 {
		start = 0
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	for i := start; i < maxHooks; i++ {
		if !t.hooks[i].used {
			t.hooks[i] = hookSlot{ownerID: ownerID, fn: fn, used: true}
			return i, nil
		}
	}
	return -1, kerrors.New(kerrors.ErrTemporaryOutage, "thread hook table")
}

// RemoveHook frees the slot at index i if it is owned by ownerID.
func (t *T) RemoveHook(ownerID uint64, i int) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if i < 0 || i >= maxHooks || !t.hooks[i].used || t.hooks[i].ownerID != ownerID {
		return
	}
	t.hooks[i] = hookSlot{}
}

// runHooks invokes every installed slot in precedence order (lowest index
// first) for ev, stopping early on HookPermanentOutage. Lifecycle events
// run with the thread lock held by the caller (locked indicates this);
// fault/interrupt events must be invoked with the lock released.
//
// If ev is a fault event and no hook claims it, the kernel panics per
// §4.5.
func (t *T) runHooks(ev HookEvent, locked bool) {
	if ev.isLifecycle() != locked {
		arch.Panic("thread: hook event %v invoked with wrong lock discipline", ev)
	}
	handled := false
	for i := range t.hooks {
		if !t.hooks[i].used {
			continue
		}
		if t.hooks[i].fn(t, ev) == HookPermanentOutage {
			handled = true
			break
		}
	}
	if !handled && ev.isFault() {
		arch.Panic("thread %d: unhandled fault %v", t.id, ev)
	}
}
