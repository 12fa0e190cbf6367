package atomicmap

import "sync"

// AtomicMap is a map guarded by a single mutex. Every method is one critical
// section, so Pop and Drain hand each value out at most once.
type AtomicMap[K comparable, T any] struct {
	internal map[K]T
	mutex    sync.Mutex
}

func NewAtomicMap[K comparable, T any]() *AtomicMap[K, T] {
	return &AtomicMap[K, T]{
		internal: map[K]T{},
		mutex:    sync.Mutex{},
	}
}

func (am *AtomicMap[K, T]) Delete(key K) {
	defer am.mutex.Unlock()
	am.mutex.Lock()

	delete(am.internal, key)
}

// SetIfAbsent stores val only when key is free and reports whether it did.
func (am *AtomicMap[K, T]) SetIfAbsent(key K, val T) bool {
	defer am.mutex.Unlock()
	am.mutex.Lock()

	if _, found := am.internal[key]; found {
		return false
	}
	am.internal[key] = val

	return true
}

// Pop removes key and returns the value it held.
func (am *AtomicMap[K, T]) Pop(key K) (T, bool) {
	defer am.mutex.Unlock()
	am.mutex.Lock()

	v, found := am.internal[key]
	if found {
		delete(am.internal, key)
	}

	return v, found
}

// Drain empties the map and returns everything it held.
func (am *AtomicMap[K, T]) Drain() map[K]T {
	defer am.mutex.Unlock()
	am.mutex.Lock()

	out := am.internal
	am.internal = map[K]T{}

	return out
}

func (am *AtomicMap[K, T]) Len() int {
	defer am.mutex.Unlock()
	am.mutex.Lock()

	return len(am.internal)
}
