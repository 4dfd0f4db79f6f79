package storage

import "sync"

// lockTable hands out one readers-writer lock per project id. Entries are
// reference counted and dropped once nobody holds or waits on them, so the
// table does not grow with the number of projects ever seen.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*projectLock
}

type projectLock struct {
	sync.RWMutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*projectLock)}
}

func (t *lockTable) acquire(id string) *projectLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = &projectLock{}
		t.locks[id] = l
	}
	l.refs++
	return l
}

func (t *lockTable) release(id string, l *projectLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
}

// Lock takes the write lock for id and returns its release function.
func (t *lockTable) Lock(id string) func() {
	l := t.acquire(id)
	l.Lock()
	return func() {
		l.Unlock()
		t.release(id, l)
	}
}

// RLock takes the read lock for id and returns its release function.
func (t *lockTable) RLock(id string) func() {
	l := t.acquire(id)
	l.RLock()
	return func() {
		l.RUnlock()
		t.release(id, l)
	}
}

// size reports the number of live entries.
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
