package dispatcher

import "sync"

// opLocks serialises operations per record id. Entries are dropped once
// no goroutine holds or waits for them.
type opLocks struct {
	mu    sync.Mutex
	locks map[string]*opLock
}

type opLock struct {
	mu   sync.Mutex
	refs int
}

func newOpLocks() *opLocks {
	return &opLocks{locks: make(map[string]*opLock)}
}

// acquire blocks until the caller holds the lock for id and returns the
// matching release func.
func (l *opLocks) acquire(id string) func() {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &opLock{}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()

	return func() {
		lk.mu.Unlock()

		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *opLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
