package checkout

import (
	"context"
	"fmt"
	"sync"
)

// keyedMutex hands out one mutex per key and forgets it once nobody holds or waits on it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// withTransactionLock runs fn while holding the per-transaction lock, and the
// cross-process lock when one is configured.
func (s *Service) withTransactionLock(ctx context.Context, transactionId string, fn func() error) error {
	unlock := s.locks.Lock(transactionId)
	defer unlock()

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, "tx:"+transactionId)
		if err != nil {
			return fmt.Errorf("failed to acquire lock for %s: %w", transactionId, err)
		}
		defer release()
	}

	return fn()
}

// lockUser serializes work that reads and then spends a user's balance. The
// returned func releases both locks.
func (s *Service) lockUser(ctx context.Context, userId string) (func(), error) {
	unlock := s.locks.Lock("user:" + userId)
	if s.locker == nil {
		return unlock, nil
	}
	release, err := s.locker.Acquire(ctx, "user:"+userId)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("failed to acquire lock for user %s: %w", userId, err)
	}
	return func() {
		release()
		unlock()
	}, nil
}
