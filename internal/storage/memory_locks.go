package storage

import (
	"context"
	"time"
)

// LockStore implementation: named locks with owner tracking, reentrancy and
// self-expiration. A stale lock whose ttl has elapsed is claimable by any
// owner.

type memLock struct {
	owner      string
	acquiredAt time.Time
	expiresAt  time.Time
	count      int
}

func (m *Memory) AcquireLock(ctx context.Context, id, owner string, wait, ttl time.Duration) (bool, error) {
	deadline := m.Now().Add(wait)

	for {
		if m.tryAcquireLock(id, owner, ttl) {
			return true, nil
		}
		if wait <= 0 || !m.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (m *Memory) tryAcquireLock(id, owner string, ttl time.Duration) bool {
	now := m.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	lock, held := m.locks[id]
	if held && now.Before(lock.expiresAt) && lock.owner != owner {
		return false
	}

	if held && lock.owner == owner && now.Before(lock.expiresAt) {
		lock.count++
		lock.expiresAt = now.Add(ttl)
		return true
	}

	m.locks[id] = &memLock{owner: owner, acquiredAt: now, expiresAt: now.Add(ttl), count: 1}
	return true
}

func (m *Memory) ReleaseLock(_ context.Context, id, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, held := m.locks[id]
	if !held || lock.owner != owner {
		return false, nil
	}
	lock.count--
	if lock.count <= 0 {
		delete(m.locks, id)
	}
	return true, nil
}

func (m *Memory) IsLocked(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lock, held := m.locks[id]
	if !held {
		return false, nil
	}
	return m.Now().Before(lock.expiresAt), nil
}
