// Package keylock provides per-key in-memory mutexes. The lifecycle engine
// holds one for the duration of fill processing so that a reconciliation
// cycle, the expiry sweep and operator actions never mutate the same position
// concurrently.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// KeyedMutex hands out one mutex per int64 key. Entries are reference-counted
// and removed once the last holder unlocks, so the map does not grow with the
// historical position count.
type KeyedMutex struct {
	mu   sync.Mutex
	keys map[int64]*entry
}

// New creates an empty KeyedMutex.
func New() *KeyedMutex {
	return &KeyedMutex{keys: make(map[int64]*entry)}
}

// Lock acquires the mutex for key, blocking while another holder has it.
// The returned function releases it and must be called exactly once.
func (k *KeyedMutex) Lock(key int64) func() {
	k.mu.Lock()
	e, ok := k.keys[key]
	if !ok {
		e = &entry{}
		k.keys[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.keys, key)
		}
		k.mu.Unlock()
	}
}
