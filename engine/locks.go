package engine

import "sync"

// threadLocks hands out one mutex per thread id so concurrent runs on the
// same thread serialize while distinct threads proceed in parallel. Locks
// are never removed; thread cardinality is bounded by the caller's workload.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*sync.Mutex)}
}

func (t *threadLocks) get(threadID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[threadID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[threadID] = l
	}
	return l
}
