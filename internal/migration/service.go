package migration

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/seedreap/formsync/internal/settings"
)

// Errors returned by Service.Run.
var (
	ErrMigrationInProgress = errors.New("storage migration already in progress")
	ErrAlreadyMigrated     = errors.New("scoped storage is already in use")
)

// Performer runs one migration attempt.
type Performer interface {
	PerformMigration(ctx context.Context) Result
}

// ScopedState reports whether the scoped layout is active.
type ScopedState interface {
	IsScopedStorageUsed() bool
}

// ServiceOption is a functional option for configuring the service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger.
func WithServiceLogger(logger zerolog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithScopedState makes Run refuse to migrate once state reports the scoped
// layout as active.
func WithScopedState(state ScopedState) ServiceOption {
	return func(s *Service) {
		s.scoped = state
	}
}

// Service runs migrations one at a time and records their results.
type Service struct {
	migrator Performer
	repo     *Repository
	store    *settings.Store
	scoped   ScopedState
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService creates a service. store may be nil when results need not persist.
func NewService(migrator Performer, repo *Repository, store *settings.Store, opts ...ServiceOption) *Service {
	s := &Service{
		migrator: migrator,
		repo:     repo,
		store:    store,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Repository returns the progress repository.
func (s *Service) Repository() *Repository {
	return s.repo
}

// Run performs a migration unless one is already running.
func (s *Service) Run(ctx context.Context) (Result, error) {
	if s.scoped != nil && s.scoped.IsScopedStorageUsed() {
		return "", ErrAlreadyMigrated
	}
	if !s.repo.tryMarkInProgress() {
		return "", ErrMigrationInProgress
	}

	result := s.migrator.PerformMigration(ctx)
	s.repo.MarkMigrationEnd(result)

	if s.store != nil {
		err := s.store.Update(func(st *settings.State) {
			st.LastMigrationResult = string(result)
			st.LastMigrationAt = s.now()
		})
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to persist migration result")
		}
	}

	s.logger.Info().Str("result", string(result)).Msg("storage migration attempt finished")
	return result, nil
}
