package helpers

import (
	"sync/atomic"
	"time"
)

// Backoff is limited exponential delay between retries, safe for concurrent use.
// Zero value (with Min, Max, K set) starts with no delay.
// Each Failure multiplies next delay by K, Reset returns it to Min.
type Backoff struct {
	next atomic.Int64 // time.Duration
	last atomic.Int64 // unix nano of last Failure or Reset

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution for nice logs, default=1ms
}

// DelayAfter records result of attempt and returns time to wait before next one.
//
//	for {
//	  err := op()
//	  time.Sleep(backoff.DelayAfter(err == nil))
//	}
func (b *Backoff) DelayAfter(success bool) time.Duration {
	b.next.CompareAndSwap(0, int64(b.Min))
	b.Update(success)
	return b.DelayBefore()
}

// DelayBefore is remaining part of current delay, 0 before first failure.
func (b *Backoff) DelayBefore() time.Duration {
	next := time.Duration(b.next.Load())
	if next == 0 {
		return 0
	}
	delay := b.limit(next)
	since := time.Duration(time.Now().UnixNano() - b.last.Load())
	if since >= delay {
		return 0
	}
	return b.round(delay - since)
}

func (b *Backoff) Failure() {
	next := time.Duration(float32(b.next.Load()) * b.K)
	b.last.Store(time.Now().UnixNano())
	b.next.Store(int64(b.limit(next)))
}

func (b *Backoff) Reset() {
	b.last.Store(time.Now().UnixNano())
	b.next.Store(int64(b.Min))
}

func (b *Backoff) Update(success bool) {
	if success {
		b.Reset()
	} else {
		b.Failure()
	}
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = time.Millisecond
	}
	return d / res * res
}
