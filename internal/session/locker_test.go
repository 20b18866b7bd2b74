package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLocker_SerializesSameKey(t *testing.T) {
	l := NewLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("A")
			defer unlock()
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), maxInside)
	require.Zero(t, l.Len())
}

func TestLocker_DifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocker()
	unlockA := l.Lock("A")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := l.Lock("B")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on B blocked while A was held")
	}
}

func TestLocker_UnlockIsIdempotent(t *testing.T) {
	l := NewLocker()
	unlock := l.Lock("A")
	unlock()
	unlock()
	require.Zero(t, l.Len())

	unlock = l.Lock("A")
	require.Equal(t, 1, l.Len())
	unlock()
}
