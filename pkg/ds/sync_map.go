package ds

import "sync"

// SyncMap is a map guarded by a RWMutex; readers never block each other.
type SyncMap[K comparable, V any] struct {
	rw sync.RWMutex
	m  map[K]V
}

func NewSyncMap[K comparable, V any]() *SyncMap[K, V] {
	return &SyncMap[K, V]{
		m: make(map[K]V),
	}
}

// Set stores value under key and returns the value it replaced.
func (sm *SyncMap[K, V]) Set(key K, value V) (V, bool) {
	sm.rw.Lock()
	defer sm.rw.Unlock()
	prev, ok := sm.m[key]
	sm.m[key] = value
	return prev, ok
}

func (sm *SyncMap[K, V]) Get(key K) (V, bool) {
	sm.rw.RLock()
	defer sm.rw.RUnlock()
	value, ok := sm.m[key]
	return value, ok
}

func (sm *SyncMap[K, V]) Has(key K) bool {
	_, ok := sm.Get(key)
	return ok
}

func (sm *SyncMap[K, V]) Delete(key K) (V, bool) {
	sm.rw.Lock()
	defer sm.rw.Unlock()
	prev, ok := sm.m[key]
	if ok {
		delete(sm.m, key)
	}
	return prev, ok
}

func (sm *SyncMap[K, V]) Len() int {
	sm.rw.RLock()
	defer sm.rw.RUnlock()
	return len(sm.m)
}

func (sm *SyncMap[K, V]) Clear() {
	sm.rw.Lock()
	defer sm.rw.Unlock()
	sm.m = make(map[K]V)
}

// Range calls f for every entry until f returns false. f must not modify the map.
func (sm *SyncMap[K, V]) Range(f func(K, V) bool) {
	sm.rw.RLock()
	defer sm.rw.RUnlock()
	for k, v := range sm.m {
		if !f(k, v) {
			return
		}
	}
}

func (sm *SyncMap[K, V]) DeleteIf(cond func(K, V) bool) []K {
	sm.rw.RLock()
	var keys []K
	for k, v := range sm.m {
		if cond(k, v) {
			keys = append(keys, k)
		}
	}
	sm.rw.RUnlock()

	if len(keys) == 0 {
		return nil
	}
	sm.rw.Lock()
	for _, k := range keys {
		delete(sm.m, k)
	}
	sm.rw.Unlock()
	return keys
}
