package helpers

import (
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialOrder(t *testing.T) {
	t.Parallel()
	s := NewSerial()
	defer s.Stop()

	const n = 1000
	var mu sync.Mutex
	got := make([]int, 0, n)
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		require.True(t, s.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == n-1 {
				close(done)
			}
		}))
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
	for i := range got {
		assert.Equal(t, i, got[i])
	}
}

func TestSerialSubmitFromInside(t *testing.T) {
	t.Parallel()
	s := NewSerial()
	done := make(chan struct{})
	s.Submit(func() {
		s.Submit(func() { close(done) })
	})
	<-done
	s.Stop()
	s.Wait()
	assert.False(t, s.Submit(func() { t.Error("must not run after Stop") }))
}

func TestFoldErrors(t *testing.T) {
	t.Parallel()
	assert.NoError(t, FoldErrors(nil))
	assert.NoError(t, FoldErrors([]error{nil, nil}))
	nf := errors.NotFoundf("config")
	assert.Equal(t, nf, FoldErrors([]error{nil, nf}))
	err := FoldErrors([]error{assert.AnError, nil, assert.AnError})
	require.Error(t, err)
	assert.Equal(t, assert.AnError.Error()+"\n"+assert.AnError.Error(), err.Error())
}

func TestFirstError(t *testing.T) {
	t.Parallel()
	var f FirstError
	_, set := f.Get()
	assert.False(t, set)
	prev, set := f.Set(assert.AnError)
	assert.NoError(t, prev)
	assert.False(t, set)
	prev, set = f.Set(errors.New("second"))
	assert.Equal(t, assert.AnError, prev)
	assert.True(t, set)
	err, _ := f.Get()
	assert.Equal(t, assert.AnError, err)

	var clean FirstError
	clean.Set(nil)
	err, set = clean.Get()
	assert.NoError(t, err)
	assert.True(t, set)
}

func TestLocked(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	assert.Equal(t, assert.AnError, Locked(&mu, func() error { return assert.AnError }))
	assert.Equal(t, 7, Locked(&mu, func() int { return 7 }))
	assert.True(t, mu.TryLock())
}

func TestIntSecondDefault(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 7*time.Second, IntSecondDefault(0, 7*time.Second))
	assert.Equal(t, 2*time.Second, IntSecondDefault(2, 7*time.Second))
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: 10 * time.Millisecond, Max: 80 * time.Millisecond, K: 2}
	assert.Equal(t, time.Duration(0), b.DelayBefore())
	b.Failure()
	b.Failure()
	b.Failure()
	b.Failure()
	d := b.DelayBefore()
	assert.True(t, d > 40*time.Millisecond && d <= 80*time.Millisecond, "delay=%v", d)
	b.Reset()
	assert.True(t, b.DelayBefore() <= 10*time.Millisecond)
}
