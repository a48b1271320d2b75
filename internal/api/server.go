// Package api provides the HTTP API server.
package api //nolint:revive // api is a common, well-understood package name

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/seedreap/formsync/apitypes"
	"github.com/seedreap/formsync/internal/changelock"
	"github.com/seedreap/formsync/internal/events"
	"github.com/seedreap/formsync/internal/forms"
	"github.com/seedreap/formsync/internal/formsource"
	"github.com/seedreap/formsync/internal/migration"
	"github.com/seedreap/formsync/internal/storage"
)

// FormLister lists the local form catalog.
type FormLister interface {
	GetAllNotDeleted(ctx context.Context) ([]forms.Form, error)
}

// FormSyncer runs a single synchronization pass.
type FormSyncer interface {
	RunOnce(ctx context.Context) error
}

// StorageState describes the active storage layout.
type StorageState interface {
	IsScopedStorageUsed() bool
	Context() storage.Context
}

// Migrations runs storage migrations.
type Migrations interface {
	Run(ctx context.Context) (migration.Result, error)
	Repository() *migration.Repository
}

// EventHistory returns recent events.
type EventHistory interface {
	History() []events.Entry
}

// Deps are the components served by the API. Syncer may be nil when no form
// server is configured.
type Deps struct {
	Forms      FormLister
	Syncer     FormSyncer
	Storage    StorageState
	Migrations Migrations
	Locks      changelock.Registry
	Events     EventHistory
	ProjectID  string
}

// Server is the HTTP API server.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger zerolog.Logger
}

// Option is a functional option for configuring the server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new API server.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{
		echo:   echo.New(),
		deps:   deps,
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.echo.HideBanner = true
	s.echo.HidePort = true

	// Request logging
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Msg("request error")
			} else {
				s.logger.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Msg("request")
			}
			return nil
		},
	}))

	// Recovery
	s.echo.Use(middleware.Recover())
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")

	// Health check
	api.GET("/health", s.healthHandler)

	// Forms
	api.GET("/forms", s.listFormsHandler)
	api.POST("/forms/sync", s.syncFormsHandler)

	// Storage
	api.GET("/storage", s.storageHandler)
	api.POST("/storage/migrate", s.migrateHandler)

	// Change locks
	api.GET("/locks", s.locksHandler)

	// Event history
	api.GET("/events", s.eventsHandler)

	s.echo.GET("/", s.indexHandler)
}

// Start starts the server.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("starting http server")
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Handlers

func (s *Server) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, apitypes.HealthResponse{
		Status: "ok",
	})
}

func (s *Server) listFormsHandler(c echo.Context) error {
	all, err := s.deps.Forms.GetAllNotDeleted(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list forms")
		return c.JSON(http.StatusInternalServerError, apitypes.ErrorResponse{
			Error: "failed to list forms",
		})
	}

	resp := make([]apitypes.Form, 0, len(all))
	for _, f := range all {
		resp = append(resp, apitypes.Form{
			ID:                   f.DBID,
			FormID:               f.FormID,
			Version:              f.Version,
			DisplayName:          f.DisplayName,
			Hash:                 f.MD5Hash,
			AutoSend:             f.IsAutoSend(),
			Date:                 f.Date,
			AttachmentsUpdatedAt: f.LastDetectedAttachmentsUpdateDate,
			SubmissionURI:        f.SubmissionURI,
			Encrypted:            f.PublicKey != "",
			UsesEntities:         f.UsesEntities,
		})
	}

	// Sort by name for consistent ordering
	sort.SliceStable(resp, func(i, j int) bool {
		return resp[i].DisplayName < resp[j].DisplayName
	})

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) syncFormsHandler(c echo.Context) error {
	if s.deps.Syncer == nil {
		return c.JSON(http.StatusServiceUnavailable, apitypes.ErrorResponse{
			Error: "no form server configured",
		})
	}

	err := s.deps.Syncer.RunOnce(c.Request().Context())
	if err == nil {
		return c.JSON(http.StatusOK, apitypes.SyncResponse{Status: "synchronized"})
	}
	if errors.Is(err, changelock.ErrLocked) {
		return c.JSON(http.StatusConflict, apitypes.ErrorResponse{
			Error: "forms are being changed",
		})
	}

	var srcErr *formsource.Error
	if errors.As(err, &srcErr) {
		s.logger.Warn().Err(err).Msg("form list synchronization failed")
		return c.JSON(http.StatusBadGateway, apitypes.ErrorResponse{
			Error: srcErr.UserMessage(),
		})
	}

	return c.JSON(http.StatusOK, apitypes.SyncResponse{
		Status: "partial",
		Error:  err.Error(),
	})
}

func (s *Server) storageHandler(c echo.Context) error {
	sctx := s.deps.Storage.Context()
	repo := s.deps.Migrations.Repository()
	result, _ := repo.Result()

	return c.JSON(http.StatusOK, apitypes.Storage{
		ScopedStorageUsed: s.deps.Storage.IsScopedStorageUsed(),
		LegacyRoot:        sctx.LegacyRoot,
		ScopedRoot:        sctx.ScopedRoot,
		ProjectID:         s.deps.ProjectID,
		ProjectRoot:       storage.NewPathProvider(sctx, s.deps.ProjectID).ProjectRoot(),
		MigrationState:    string(repo.State()),
		LastResult:        string(result),
	})
}

func (s *Server) migrateHandler(c echo.Context) error {
	// The migration must not stop halfway when the client goes away.
	ctx := context.WithoutCancel(c.Request().Context())

	result, err := s.deps.Migrations.Run(ctx)
	switch {
	case errors.Is(err, migration.ErrMigrationInProgress):
		return c.JSON(http.StatusConflict, apitypes.ErrorResponse{
			Error: "storage migration already in progress",
		})
	case errors.Is(err, migration.ErrAlreadyMigrated):
		return c.JSON(http.StatusConflict, apitypes.ErrorResponse{
			Error: "storage already migrated",
		})
	case err != nil:
		s.logger.Error().Err(err).Msg("storage migration failed")
		return c.JSON(http.StatusInternalServerError, apitypes.ErrorResponse{
			Error: "storage migration failed",
		})
	}

	status := http.StatusOK
	if result != migration.Success {
		status = http.StatusConflict
	}
	return c.JSON(status, apitypes.MigrationResponse{
		Result:            string(result),
		Retryable:         result.Retryable(),
		ScopedStorageUsed: s.deps.Storage.IsScopedStorageUsed(),
	})
}

func (s *Server) locksHandler(c echo.Context) error {
	describe := func(l changelock.ChangeLock) apitypes.Lock {
		return apitypes.Lock{Locked: l.IsLocked(), Owner: l.Owner()}
	}

	return c.JSON(http.StatusOK, apitypes.Locks{
		Forms:     describe(s.deps.Locks.FormsLock()),
		Instances: describe(s.deps.Locks.InstancesLock()),
	})
}

func (s *Server) eventsHandler(c echo.Context) error {
	if s.deps.Events == nil {
		return c.JSON(http.StatusOK, []events.Entry{})
	}

	filter := events.Type(c.QueryParam("type"))
	history := s.deps.Events.History()

	out := make([]events.Entry, 0, len(history))
	for _, e := range history {
		if filter != "" && e.Type != filter {
			continue
		}
		out = append(out, e)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) indexHandler(c echo.Context) error {
	html := `<!DOCTYPE html>
<html>
<head>
    <title>formsync</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; margin: 40px; }
        h1 { color: #333; }
        .status { color: #28a745; }
        a { color: #007bff; }
    </style>
</head>
<body>
    <h1>formsync</h1>
    <p class="status">Status: Running</p>
    <h2>API Endpoints</h2>
    <ul>
        <li><a href="/api/health">/api/health</a> - Health check</li>
        <li><a href="/api/forms">/api/forms</a> - Installed forms</li>
        <li><a href="/api/storage">/api/storage</a> - Storage layout and migration state</li>
        <li><a href="/api/locks">/api/locks</a> - Change locks</li>
        <li><a href="/api/events">/api/events</a> - Recent events</li>
    </ul>
</body>
</html>`
	return c.HTML(http.StatusOK, html)
}
