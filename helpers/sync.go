package helpers

import "sync"

func WithLock(l sync.Locker, f func()) {
	l.Lock()
	defer l.Unlock()
	f()
}

// Locked returns result of f computed under l.
func Locked[T any](l sync.Locker, f func() T) T {
	l.Lock()
	defer l.Unlock()
	return f()
}

// FirstError records why something died, later reasons are ignored.
// Zero value is ready, nil is a valid reason (clean close).
type FirstError struct {
	mu     sync.Mutex
	reason error
	done   bool
}

// Get returns recorded reason and whether it was set.
func (f *FirstError) Get() (error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason, f.done
}

// Set records e unless a reason exists. Returns previous state, same as Get before the call.
func (f *FirstError) Set(e error) (error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return f.reason, true
	}
	f.reason, f.done = e, true
	return nil, false
}
