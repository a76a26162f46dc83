package storage

import (
	"sort"
	"sync"
)

// KeyLocks hands out one RWMutex per key. Components that read, modify and
// rewrite the same key must share a KeyLocks so their cycles never
// interleave.
type KeyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: make(map[string]*sync.RWMutex)}
}

// For returns the lock guarding key.
func (k *KeyLocks) For(key string) *sync.RWMutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.RWMutex{}
		k.locks[key] = l
	}
	return l
}

// Lock write-locks keys in sorted order and returns the matching unlock.
func (k *KeyLocks) Lock(keys ...string) (unlock func()) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	held := make([]*sync.RWMutex, 0, len(sorted))
	for i, key := range sorted {
		if i > 0 && key == sorted[i-1] {
			continue
		}
		l := k.For(key)
		l.Lock()
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
