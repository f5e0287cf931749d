package helpers

import (
	"sync"

	"github.com/temoto/alive/v2"
)

// Serial runs submitted functions one at a time, in submission order, on own goroutine.
// Submit never blocks, queue is unbounded.
// Use it to leave network reader free while callback waits for acknowledgement.
type Serial struct {
	alive *alive.Alive
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

func NewSerial() *Serial {
	s := &Serial{
		alive: alive.NewAlive(),
		wake:  make(chan struct{}, 1),
	}
	s.alive.Add(1)
	go s.run()
	return s
}

// Submit returns false after Stop.
func (s *Serial) Submit(f func()) bool {
	if !s.alive.IsRunning() {
		return false
	}
	s.mu.Lock()
	s.queue = append(s.queue, f)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Serial) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stop drops pending functions and returns immediately. Safe to call from submitted function.
func (s *Serial) Stop() { s.alive.Stop() }

// Wait until running function returns after Stop.
func (s *Serial) Wait() { s.alive.Wait() }

func (s *Serial) run() {
	defer s.alive.Done()
	stopch := s.alive.StopChan()
	for {
		s.mu.Lock()
		var f func()
		if len(s.queue) != 0 {
			f = s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()
		if f != nil {
			if !s.alive.IsRunning() {
				return
			}
			f()
			continue
		}

		select {
		case <-s.wake:
		case <-stopch:
			return
		}
	}
}
