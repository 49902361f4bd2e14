package orchestrator

import "context"

// GlobalMutex serializes test execution across every orchestrator
// instance in the process. Concurrent speed tests would contend for the
// same uplink and corrupt each other's measurements, so exactly one may
// run at a time. Built on a one-slot channel so waiting can be bounded
// by a context.
type GlobalMutex struct {
	ch chan struct{}
}

func NewGlobalMutex() *GlobalMutex {
	return &GlobalMutex{ch: make(chan struct{}, 1)}
}

// TryAcquire takes the lock without blocking.
func (m *GlobalMutex) TryAcquire() bool {
	select {
	case m.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Acquire blocks until the lock is taken or the context ends.
func (m *GlobalMutex) Acquire(ctx context.Context) error {
	select {
	case m.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the lock. Releasing an unheld lock panics, matching
// sync.Mutex semantics.
func (m *GlobalMutex) Release() {
	select {
	case <-m.ch:
	default:
		panic("orchestrator: release of unheld global mutex")
	}
}

// Held reports whether some holder currently owns the lock.
func (m *GlobalMutex) Held() bool {
	return len(m.ch) == 1
}
