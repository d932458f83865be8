// Package lock serializes conflicting edits with pessimistic per-object
// locks. The remote store row is the single arbiter; the manager keeps an
// optimistic local view that is always reconciled to the remote outcome.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLocked reports lock contention. It is an expected condition, not a
// transport failure: the gated action must be refused, not retried.
var ErrLocked = errors.New("object locked by another session")

// Store is the remote lock field per object.
type Store interface {
	AcquireLock(ctx context.Context, objectID, sessionID string, lockTimeout time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, objectID, sessionID string) error
}

type Manager struct {
	store     Store
	sessionID string
	timeout   time.Duration

	mu   sync.Mutex
	held map[string]time.Time // objectID -> local acquire time
}

func NewManager(store Store, sessionID string, timeout time.Duration) *Manager {
	return &Manager{
		store:     store,
		sessionID: sessionID,
		timeout:   timeout,
		held:      make(map[string]time.Time),
	}
}

// Timeout returns the stale-lock reclamation window.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// Acquire claims objectID for this session. It returns false on contention:
// another session holds a non-expired lock. The local held set is updated
// from the remote result, never assumed.
func (m *Manager) Acquire(ctx context.Context, objectID string) (bool, error) {
	ok, err := m.store.AcquireLock(ctx, objectID, m.sessionID, m.timeout)

	m.mu.Lock()
	if ok {
		m.held[objectID] = time.Now()
	} else {
		delete(m.held, objectID)
	}
	m.mu.Unlock()

	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", objectID, err)
	}
	return ok, nil
}

// Release clears the lock. The local entry is dropped even when the remote
// call fails; the stale-lock timeout bounds how long a failed release can
// strand the remote side.
func (m *Manager) Release(ctx context.Context, objectID string) error {
	m.mu.Lock()
	delete(m.held, objectID)
	m.mu.Unlock()

	if err := m.store.ReleaseLock(ctx, objectID, m.sessionID); err != nil {
		return fmt.Errorf("release %s: %w", objectID, err)
	}
	return nil
}

// Holds reports the local view of a non-expired claim on objectID.
func (m *Manager) Holds(objectID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	acquiredAt, ok := m.held[objectID]
	if !ok {
		return false
	}
	if time.Since(acquiredAt) > m.timeout {
		delete(m.held, objectID)
		return false
	}
	return true
}

// WithLock runs fn while holding the object lock and always releases on the
// way out, whether fn succeeded or not. Contention returns ErrLocked.
func (m *Manager) WithLock(ctx context.Context, objectID string, fn func(ctx context.Context) error) error {
	ok, err := m.Acquire(ctx, objectID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLocked, objectID)
	}
	defer func() {
		// Release must run regardless of fn's outcome so a failed edit
		// cannot strand the lock beyond the timeout window.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = m.Release(releaseCtx, objectID)
	}()

	return fn(ctx)
}
