// Package server provides the main application server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/seedreap/formsync/internal/api"
	"github.com/seedreap/formsync/internal/autosend"
	"github.com/seedreap/formsync/internal/catalog"
	"github.com/seedreap/formsync/internal/changelock"
	"github.com/seedreap/formsync/internal/config"
	"github.com/seedreap/formsync/internal/events"
	"github.com/seedreap/formsync/internal/formdownload"
	"github.com/seedreap/formsync/internal/formparse"
	"github.com/seedreap/formsync/internal/formsource"
	"github.com/seedreap/formsync/internal/formsync"
	"github.com/seedreap/formsync/internal/migration"
	"github.com/seedreap/formsync/internal/settings"
	"github.com/seedreap/formsync/internal/storage"
)

// ErrNoFormServer is returned by Sync when no form server is configured.
var ErrNoFormServer = errors.New("no form server configured")

// Options holds additional server options not in config.
type Options struct {
	// Logger
	Logger zerolog.Logger
}

// Server is the main application server.
type Server struct {
	cfg       config.Config
	projectID string

	store      *settings.Store
	state      *storage.StateProvider
	catalog    *catalog.Catalog
	locks      changelock.Registry
	bus        *events.Bus
	controller *events.Controller
	migrations *migration.Service

	// nil when no form server is configured
	poller *formsync.Poller
	// nil when no form server is configured
	sender *autosend.Worker

	apiServer *api.Server
	logger    zerolog.Logger
}

// New creates a new server with the given configuration. The catalog
// databases are open when New returns; call Close or Shutdown to release them.
//
//nolint:funlen // initialization function needs to set up multiple components
func New(ctx context.Context, cfg config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	store, err := settings.Open(cfg.Storage.StateFile)
	if err != nil {
		return nil, err
	}

	projectID, err := resolveProjectID(cfg.Storage.ProjectID, store)
	if err != nil {
		return nil, err
	}

	state := storage.NewStateProvider(cfg.Storage.LegacyRoot, cfg.Storage.ScopedRoot, store)
	paths := state.Project(projectID)
	if err = paths.Paths().EnsureDirs(); err != nil {
		return nil, fmt.Errorf("failed to create storage directories: %w", err)
	}

	logger.Info().
		Str("project_id", projectID).
		Bool("scoped_storage", state.IsScopedStorageUsed()).
		Str("root", paths.Paths().ProjectRoot()).
		Msg("storage configured")

	if err = formdownload.PurgeStaging(paths.Paths(), logger); err != nil {
		logger.Warn().Err(err).Msg("failed to purge stale download staging directories")
	}

	cat := catalog.New(paths,
		catalog.WithLogger(logger.With().Str("component", "catalog").Logger()),
		catalog.WithDriver(cfg.Database.Driver),
	)
	if err = cat.Open(ctx); err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	bus := events.New(events.WithLogger(logger.With().Str("component", "events").Logger()))
	controller := events.NewController(bus,
		events.WithControllerLogger(logger.With().Str("component", "event-controller").Logger()),
	)
	locks := changelock.NewRegistry()

	s := &Server{
		cfg:        cfg,
		projectID:  projectID,
		store:      store,
		state:      state,
		catalog:    cat,
		locks:      locks,
		bus:        bus,
		controller: controller,
		logger:     logger,
	}

	// Storage migration
	migrator := migration.NewMigrator(
		state,
		storage.NewEraser(logger.With().Str("component", "eraser").Logger()),
		locks,
		cat,
		cat,
		projectID,
		migration.WithLogger(logger.With().Str("component", "migrator").Logger()),
	)
	s.migrations = migration.NewService(
		migrator,
		migration.NewRepository(bus),
		store,
		migration.WithServiceLogger(logger.With().Str("component", "migration").Logger()),
		migration.WithScopedState(state),
	)

	var syncer api.FormSyncer
	if cfg.ServerConfigured() {
		s.setupFormServer(paths)
		syncer = s.poller
	} else {
		logger.Warn().Msg("no form server configured - form synchronization and auto-send are disabled")
	}

	s.apiServer = api.New(api.Deps{
		Forms:      cat.FormsRepository(),
		Syncer:     syncer,
		Storage:    state,
		Migrations: s.migrations,
		Locks:      locks,
		Events:     controller,
		ProjectID:  projectID,
	}, api.WithLogger(logger.With().Str("component", "api").Logger()))

	return s, nil
}

func (s *Server) setupFormServer(paths storage.PathSource) {
	cfg := s.cfg
	client := formsource.NewOpenRosaClient(
		cfg.Server.URL,
		formsource.WithLogger(s.logger.With().Str("component", "openrosa").Logger()),
		formsource.WithCredentials(cfg.Server.Username, cfg.Server.Password),
		formsource.WithTimeout(cfg.Server.HTTPTimeout),
	)

	formsRepo := s.catalog.FormsRepository()
	instancesRepo := s.catalog.InstancesRepository()

	downloader := formdownload.NewDownloader(
		client,
		formsRepo,
		paths,
		formparse.NewXFormParser(),
		formdownload.WithLogger(s.logger.With().Str("component", "downloader").Logger()),
		formdownload.WithEventBus(s.bus),
	)

	syncLogger := s.logger.With().Str("component", "formsync").Logger()
	synchronizer := formsync.NewSynchronizer(
		formsync.NewDetailsFetcher(client, formsRepo, formsync.WithLogger(syncLogger)),
		downloader,
		formsRepo,
		formsync.NewFormDeleter(formsRepo, instancesRepo, formsync.WithLogger(syncLogger)),
		formsync.WithSynchronizerLogger(syncLogger),
		formsync.WithEventBus(s.bus),
		formsync.WithStateStore(s.store),
	)

	s.poller = formsync.NewPoller(
		synchronizer,
		s.locks.FormsLock(),
		formsync.WithPollerLogger(s.logger.With().Str("component", "poller").Logger()),
		formsync.WithPollInterval(cfg.Sync.PollInterval),
	)

	s.sender = autosend.NewWorker(
		client,
		formsRepo,
		instancesRepo,
		s.locks.InstancesLock(),
		autosend.WithLogger(s.logger.With().Str("component", "autosend").Logger()),
		autosend.WithEventBus(s.bus),
		autosend.WithInterval(cfg.AutoSend.Interval),
		autosend.WithSendAllForms(cfg.AutoSend.SendAllForms),
	)

	s.logger.Info().
		Str("url", cfg.Server.URL).
		Bool("sync", cfg.Sync.Enabled).
		Dur("poll_interval", cfg.Sync.PollInterval).
		Bool("auto_send", cfg.AutoSend.Enabled).
		Msg("form server configured")
}

// resolveProjectID returns the configured project id, else the persisted one,
// else a new random id which is persisted for later runs.
func resolveProjectID(configured string, store *settings.Store) (string, error) {
	persisted := store.Get().ProjectID

	id := configured
	if id == "" {
		id = persisted
	}
	if id == "" {
		id = uuid.NewString()
	}
	if id == persisted {
		return id, nil
	}

	if err := store.Update(func(st *settings.State) { st.ProjectID = id }); err != nil {
		return "", fmt.Errorf("failed to persist project id: %w", err)
	}
	return id, nil
}

// ProjectID returns the active project id.
func (s *Server) ProjectID() string {
	return s.projectID
}

// EventBus returns the event bus.
func (s *Server) EventBus() *events.Bus {
	return s.bus
}

// Catalog returns the forms and instances catalog.
func (s *Server) Catalog() *catalog.Catalog {
	return s.catalog
}

// Storage returns the storage state provider.
func (s *Server) Storage() *storage.StateProvider {
	return s.state
}

// Handler returns the HTTP API handler.
func (s *Server) Handler() http.Handler {
	return s.apiServer
}

// Migrate runs one storage migration attempt.
func (s *Server) Migrate(ctx context.Context) (migration.Result, error) {
	return s.migrations.Run(ctx)
}

// Sync runs one form list synchronization pass.
func (s *Server) Sync(ctx context.Context) error {
	if s.poller == nil {
		return ErrNoFormServer
	}
	return s.poller.RunOnce(ctx)
}

// SendInstances runs one auto-send pass and returns how many instances were
// accepted by the server.
func (s *Server) SendInstances(ctx context.Context) (int, error) {
	if s.sender == nil {
		return 0, ErrNoFormServer
	}
	return s.sender.RunOnce(ctx)
}

// Run starts background workers and the HTTP server and blocks until the
// context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info().
		Str("listen", s.cfg.API.Listen).
		Str("legacy_root", s.cfg.Storage.LegacyRoot).
		Str("scoped_root", s.cfg.Storage.ScopedRoot).
		Msg("starting formsync")

	if err := s.controller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event controller: %w", err)
	}
	s.bus.Publish(events.Event{Type: events.SystemStarted, Data: map[string]any{"project_id": s.projectID}})

	if s.poller != nil && s.cfg.Sync.Enabled {
		if err := s.poller.Start(ctx); err != nil {
			return fmt.Errorf("failed to start form list poller: %w", err)
		}
	}
	if s.sender != nil && s.cfg.AutoSend.Enabled {
		if err := s.sender.Start(ctx); err != nil {
			return fmt.Errorf("failed to start auto-send worker: %w", err)
		}
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.apiServer.Start(s.cfg.API.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down...")

	if err := s.apiServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("server shutdown error")
	}

	if s.poller != nil {
		if err := s.poller.Stop(); err != nil {
			s.logger.Error().Err(err).Msg("poller stop error")
		}
	}
	if s.sender != nil {
		if err := s.sender.Stop(); err != nil {
			s.logger.Error().Err(err).Msg("auto-send stop error")
		}
	}
	if err := s.controller.Stop(); err != nil {
		s.logger.Error().Err(err).Msg("event controller stop error")
	}

	err := s.Close()

	s.logger.Info().Msg("shutdown complete")
	return err
}

// Close releases the catalog databases and the event bus without touching
// background workers. It is meant for one-shot commands that never call Run.
func (s *Server) Close() error {
	s.bus.Close()
	if err := s.catalog.Close(); err != nil {
		return fmt.Errorf("failed to close catalog: %w", err)
	}
	return nil
}
