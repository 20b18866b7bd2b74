// Package session holds process-local conversation state and the per-sender
// locking used to serialize routing decisions.
package session

import "sync"

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Locker serializes work per key. Different keys never contend on the same
// mutex; entries are dropped once no goroutine holds or waits on them.
// Safe for concurrent use.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{entries: make(map[string]*lockEntry)}
}

// Lock blocks until key is held by the caller and returns the release func.
func (l *Locker) Lock(key string) (unlock func()) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.entries, key)
			}
			l.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
