// Package lock provides non-blocking, expiring locks keyed by string.
//
// The orchestrator holds one lock per instance id while a mutation is in
// flight; a second caller gets ok=false and reports a conflict instead of
// queueing. The billing scheduler uses the same mechanism to keep a single
// tick running across replicas.
package lock

import (
	"context"
	"sync"
	"time"
)

// Locker hands out exclusive leases. release is nil when ok is false.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// InstanceKey is the lock key guarding mutations of one instance.
func InstanceKey(instanceID string) string {
	return "instance:" + instanceID
}

// UserDomainsKey serializes domain creation of one user.
func UserDomainsKey(userID string) string {
	return "domains:" + userID
}

// BillingTickKey guards the consumption tick.
const BillingTickKey = "billing:tick"

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]lease
	now  func() time.Time
	seq  uint64
}

type lease struct {
	id      uint64
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held: make(map[string]lease),
		now:  time.Now,
	}
}

func (m *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.held[key]; ok && now.Before(l.expires) {
		return nil, false, nil
	}

	m.seq++
	id := m.seq
	m.held[key] = lease{id: id, expires: now.Add(ttl)}

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if l, ok := m.held[key]; ok && l.id == id {
				delete(m.held, key)
			}
		})
	}
	return release, true, nil
}
