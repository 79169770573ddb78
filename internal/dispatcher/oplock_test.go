package dispatcher

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestOpLocksSerialiseSameID(t *testing.T) {
	l := newOpLocks()
	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		overlap atomic.Bool
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := l.acquire("i-1")
			if inside.Add(1) > 1 {
				overlap.Store(true)
			}
			inside.Add(-1)
			release()
		}()
	}
	wg.Wait()

	if overlap.Load() {
		t.Error("two holders of the same id overlapped")
	}
	if n := l.size(); n != 0 {
		t.Errorf("size = %d after all releases, want 0", n)
	}
}

func TestOpLocksIndependentIDs(t *testing.T) {
	l := newOpLocks()
	releaseA := l.acquire("a")
	done := make(chan struct{})
	go func() {
		release := l.acquire("b")
		release()
		close(done)
	}()
	<-done
	releaseA()
}
