package orchestrator

import "sync"

// keyedLocks hands out one mutex per (account, symbol). Entries are never
// removed; the symbol universe is small.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: map[string]*sync.Mutex{}}
}

func (k *keyedLocks) get(account, symbol string) *sync.Mutex {
	key := account + "|" + symbol
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	return l
}

// TryLock takes the (account, symbol) section without waiting and returns
// its unlock function.
func (k *keyedLocks) TryLock(account, symbol string) (func(), bool) {
	l := k.get(account, symbol)
	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}
