// Package syncutil holds small synchronization helpers.
package syncutil

import "sync"

// KeyedMutex hands out one channel-based lock per key. Entries are created
// on first use and dropped when the last holder or contender lets go, so
// unrelated keys never contend.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	token chan struct{}
	refs  int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// TryLock takes the lock for key only if it is free. The returned func
// releases it and must be called exactly once.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	l := m.acquire(key)
	select {
	case <-l.token:
		return func() {
			l.token <- struct{}{}
			m.release(key, l)
		}, true
	default:
		m.release(key, l)
		return nil, false
	}
}

// size returns how many keys currently have a lock entry.
func (m *KeyedMutex) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) acquire(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{token: make(chan struct{}, 1)}
		l.token <- struct{}{}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedMutex) release(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}
