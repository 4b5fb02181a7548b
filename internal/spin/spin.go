// Package spin provides a non-parking lock for critical sections that
// must not sleep, block or allocate.
package spin

import (
	"runtime"
	"sync/atomic"
)

// yieldAfter bounds the busy loop before the scheduler is invited to run
// another goroutine on this thread.
const yieldAfter = 64

// Lock is a mutual exclusion lock acquired by compare-and-swap.
//
// The zero value is an unlocked Lock. Unlike sync.Mutex a contended
// acquire never parks the goroutine, so Lock is safe on paths that run
// in trap context. Critical sections must be short and bounded.
type Lock struct {
	state atomic.Uint32
}

// Acquire spins until the lock is held by the caller.
func (l *Lock) Acquire() {
	for spins := 0; !l.state.CompareAndSwap(0, 1); spins++ {
		if spins >= yieldAfter {
			spins = 0
			runtime.Gosched()
		}
	}
}

// TryAcquire attempts to take the lock without spinning.
func (l *Lock) TryAcquire() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Release unlocks the lock. It panics if the lock is not held.
func (l *Lock) Release() {
	if !l.state.CompareAndSwap(1, 0) {
		panic("spin: release of unheld lock")
	}
}
