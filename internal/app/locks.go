/**
 * @description
 * In-process per-institution sync guard. This is the fast path that rejects a
 * second sync for the same institution inside this process; the
 * cluster-wide guarantee comes from the database advisory lock taken in the
 * store layer.
 */
package app

import (
	"sync"

	"github.com/google/uuid"
)

type institutionLocks struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

func newInstitutionLocks() *institutionLocks {
	return &institutionLocks{held: make(map[uuid.UUID]struct{})}
}

// TryAcquire takes the institution's lock without blocking. It returns false
// if a sync for the institution is already in flight.
func (l *institutionLocks) TryAcquire(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, inFlight := l.held[id]; inFlight {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

// Release frees the institution's lock.
func (l *institutionLocks) Release(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
}
