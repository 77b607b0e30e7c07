package commit

import "sync"

// lockTable hands out one mutex per account: the single-writer token that
// serializes commits touching the same account while letting disjoint
// accounts proceed in parallel. Callers pass account ids already sorted so
// multi-account batches always lock in the same order.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

// acquire locks every id in the given order and returns the release func.
func (t *lockTable) acquire(ids []string) func() {
	held := make([]*sync.Mutex, 0, len(ids))
	t.mu.Lock()
	for _, id := range ids {
		m, ok := t.locks[id]
		if !ok {
			m = &sync.Mutex{}
			t.locks[id] = m
		}
		held = append(held, m)
	}
	t.mu.Unlock()

	for _, m := range held {
		m.Lock()
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
