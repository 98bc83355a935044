// Package lock provides per-record mutual exclusion so that at most one
// operation touches a given market at a time.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrNotAcquired is returned when the lock could not be taken before the
// context ended.
var ErrNotAcquired = errors.New("lock: not acquired")

// Locker serialises work on a key. The returned unlock func is safe to call
// more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker. Entries are reference counted and
// removed when no holder or waiter remains.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{} // buffered(1); holding the token = holding the lock
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*entry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, errors.Join(ErrNotAcquired, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Compile-time interface checks.
var (
	_ Locker = (*KeyedMutex)(nil)
	_ Locker = (*RedisLocker)(nil)
)
