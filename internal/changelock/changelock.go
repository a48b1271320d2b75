// Package changelock provides advisory locks that background writers hold
// while they mutate a protected data tree.
package changelock

import (
	"errors"
	"sync"
)

// ErrLocked is returned by WithLock when the lock is held by someone else.
var ErrLocked = errors.New("change lock is held")

// Well-known lock owners.
const (
	OwnerFormListSync = "form-list-sync"
	OwnerFormDownload = "form-download"
	OwnerAutoSend     = "auto-send"
)

// ChangeLock is an advisory, non-blocking lock.
type ChangeLock interface {
	// TryLock acquires the lock for owner and reports whether it succeeded.
	TryLock(owner string) bool
	// Unlock releases the lock if owner holds it.
	Unlock(owner string)
	// IsLocked reports whether anyone holds the lock.
	IsLocked() bool
	// Owner returns the current holder, empty when unlocked.
	Owner() string
}

// Lock is the in-process ChangeLock implementation.
type Lock struct {
	mu    sync.Mutex
	owner string
	held  bool
}

// New creates an unlocked Lock.
func New() *Lock {
	return &Lock{}
}

// TryLock implements ChangeLock.
func (l *Lock) TryLock(owner string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return false
	}
	l.held = true
	l.owner = owner
	return true
}

// Unlock implements ChangeLock. Releasing a lock held by another owner is a no-op.
func (l *Lock) Unlock(owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held || l.owner != owner {
		return
	}
	l.held = false
	l.owner = ""
}

// IsLocked implements ChangeLock.
func (l *Lock) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Owner implements ChangeLock.
func (l *Lock) Owner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

// Registry hands out the locks guarding the forms and instances trees.
type Registry interface {
	FormsLock() ChangeLock
	InstancesLock() ChangeLock
}

type registry struct {
	forms     ChangeLock
	instances ChangeLock
}

// NewRegistry returns a Registry with one fresh Lock per tree.
func NewRegistry() Registry {
	return &registry{forms: New(), instances: New()}
}

func (r *registry) FormsLock() ChangeLock     { return r.forms }
func (r *registry) InstancesLock() ChangeLock { return r.instances }

// WithLock runs fn while holding l for owner. It returns ErrLocked without
// running fn when the lock is unavailable.
func WithLock(l ChangeLock, owner string, fn func() error) error {
	if !l.TryLock(owner) {
		return ErrLocked
	}
	defer l.Unlock(owner)

	return fn()
}
