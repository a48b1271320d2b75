package migration

import (
	"sync"

	"github.com/seedreap/formsync/internal/events"
)

// Repository holds the in-progress flag and the last result for observers.
type Repository struct {
	bus *events.Bus

	mu         sync.RWMutex
	inProgress bool
	result     Result
}

// NewRepository creates a repository publishing changes to bus. bus may be nil.
func NewRepository(bus *events.Bus) *Repository {
	return &Repository{bus: bus}
}

// MarkMigrationInProgress records that a migration started.
func (r *Repository) MarkMigrationInProgress() {
	r.tryMarkInProgress()
}

func (r *Repository) tryMarkInProgress() bool {
	r.mu.Lock()
	if r.inProgress {
		r.mu.Unlock()
		return false
	}
	r.inProgress = true
	r.mu.Unlock()

	r.publish(events.Event{Type: events.MigrationStarted})
	return true
}

// MarkMigrationEnd records the result of the finished migration.
func (r *Repository) MarkMigrationEnd(result Result) {
	r.mu.Lock()
	r.inProgress = false
	r.result = result
	r.mu.Unlock()

	r.publish(events.Event{
		Type: events.MigrationFinished,
		Data: map[string]any{"result": string(result)},
	})
}

// ClearResult forgets the last result, e.g. once the user has seen it.
func (r *Repository) ClearResult() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result = ""
}

// IsMigrationBeingPerformed reports whether a migration is running.
func (r *Repository) IsMigrationBeingPerformed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inProgress
}

// State returns the coarse migration state.
func (r *Repository) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch {
	case r.inProgress:
		return InProgress
	case r.result != "":
		return Finished
	default:
		return NotStarted
	}
}

// Result returns the last result, if any.
func (r *Repository) Result() (Result, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.result, r.result != ""
}

func (r *Repository) publish(ev events.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}
