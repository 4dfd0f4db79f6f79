package storage

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockTableReleasesEntries(t *testing.T) {
	locks := newLockTable()

	unlock := locks.Lock("a")
	runlock := locks.RLock("b")
	require.Equal(t, 2, locks.size())
	unlock()
	runlock()
	require.Equal(t, 0, locks.size())
}

func TestLockTableWriterExcludesReaders(t *testing.T) {
	locks := newLockTable()
	unlock := locks.Lock("p")

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		release := locks.RLock("p")
		acquired.Store(true)
		release()
	}()

	time.Sleep(20 * time.Millisecond)
	require.False(t, acquired.Load(), "reader must wait for the writer")
	unlock()
	<-done
	require.True(t, acquired.Load())
	require.Equal(t, 0, locks.size())
}

func TestLockTableIndependentProjects(t *testing.T) {
	locks := newLockTable()
	unlock := locks.Lock("p")
	defer unlock()

	done := make(chan struct{})
	go func() {
		release := locks.Lock("q")
		release()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another project blocked")
	}
}

func TestLockTableConcurrentReaders(t *testing.T) {
	locks := newLockTable()
	var wg sync.WaitGroup
	var inside, peak atomic.Int32
	start := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			release := locks.RLock("p")
			n := inside.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inside.Add(-1)
			release()
		}()
	}
	close(start)
	wg.Wait()
	require.Greater(t, peak.Load(), int32(1), "readers should overlap")
	require.Equal(t, 0, locks.size())
}
