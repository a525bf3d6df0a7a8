package sync

import (
	"fmt"
	stdsync "sync"

	"github.com/gofrs/flock"
)

// Guard makes sure only one pass runs against a SyncState at a time.
//
// Within a process a mutex is tried; across processes an advisory file lock
// next to the database is tried as well. Neither blocks: a busy guard means
// ErrSyncInProgress.
type Guard struct {
	mu   stdsync.Mutex
	file *flock.Flock
}

// NewGuard creates a guard. An empty lockPath disables the file lock.
func NewGuard(lockPath string) *Guard {
	g := &Guard{}
	if lockPath != "" {
		g.file = flock.New(lockPath)
	}
	return g
}

// Acquire takes the guard and returns the function that releases it.
func (g *Guard) Acquire() (release func(), err error) {
	if !g.mu.TryLock() {
		return nil, ErrSyncInProgress
	}
	if g.file != nil {
		ok, err := g.file.TryLock()
		if err != nil {
			g.mu.Unlock()
			return nil, fmt.Errorf("failed to acquire sync lock %s: %w", g.file.Path(), err)
		}
		if !ok {
			g.mu.Unlock()
			return nil, ErrSyncInProgress
		}
	}
	return func() {
		if g.file != nil {
			_ = g.file.Unlock()
		}
		g.mu.Unlock()
	}, nil
}
