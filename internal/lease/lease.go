// Package lease provides per-run mutual exclusion so a run is advanced by at
// most one caller at a time. Leases are keyed by run ID; unrelated runs never
// contend.
package lease

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrHeld is returned when another holder owns the lease.
	ErrHeld = errors.New("lease already held")
	// ErrLost is the cancellation cause for work done under a lost lease.
	ErrLost = errors.New("lease lost")
)

// Locker hands out exclusive leases by key.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Lease is an acquired lock. Release is safe to call more than once.
//
// Lost is closed when the holder can no longer be sure it owns the lease. It
// is nil for leases that cannot be lost.
type Lease interface {
	Release(ctx context.Context) error
	Lost() <-chan struct{}
}

// MemoryLocker is an in-process Locker for single-node deployments.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]*memoryLease
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]*memoryLease)}
}

// Acquire takes the lease for key or returns ErrHeld without waiting.
func (l *MemoryLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.held[key]; taken {
		return nil, ErrHeld
	}
	lease := &memoryLease{owner: l, key: key}
	l.held[key] = lease
	return lease, nil
}

type memoryLease struct {
	owner *MemoryLocker
	key   string
	once  sync.Once
}

func (m *memoryLease) Lost() <-chan struct{} { return nil }

func (m *memoryLease) Release(ctx context.Context) error {
	m.once.Do(func() {
		m.owner.mu.Lock()
		defer m.owner.mu.Unlock()
		if m.owner.held[m.key] == m {
			delete(m.owner.held, m.key)
		}
	})
	return nil
}
