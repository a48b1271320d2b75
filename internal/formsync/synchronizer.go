package formsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/seedreap/formsync/internal/events"
	"github.com/seedreap/formsync/internal/formdownload"
	"github.com/seedreap/formsync/internal/forms"
	"github.com/seedreap/formsync/internal/formsource"
	"github.com/seedreap/formsync/internal/settings"
)

// FormDownloader installs a single server form.
type FormDownloader interface {
	DownloadForm(ctx context.Context, details formsource.ServerFormDetails, progress formdownload.ProgressReporter) error
}

// DetailsSource lists server forms compared with the local catalog.
type DetailsSource interface {
	FetchFormDetails(ctx context.Context) ([]formsource.ServerFormDetails, error)
}

// Deleter removes a local form.
type Deleter interface {
	Delete(ctx context.Context, id int64) (bool, error)
}

// Synchronizer runs a form list synchronization pass.
type Synchronizer struct {
	details    DetailsSource
	downloader FormDownloader
	forms      forms.Repository
	deleter    Deleter
	bus        *events.Bus
	state      *settings.Store
	logger     zerolog.Logger
	now        func() time.Time
}

// SynchronizerOption configures a Synchronizer.
type SynchronizerOption func(*Synchronizer)

// WithSynchronizerLogger sets the logger.
func WithSynchronizerLogger(logger zerolog.Logger) SynchronizerOption {
	return func(s *Synchronizer) {
		s.logger = logger
	}
}

// WithEventBus publishes sync events on bus.
func WithEventBus(bus *events.Bus) SynchronizerOption {
	return func(s *Synchronizer) {
		s.bus = bus
	}
}

// WithStateStore records the time of each completed pass in store.
func WithStateStore(store *settings.Store) SynchronizerOption {
	return func(s *Synchronizer) {
		s.state = store
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SynchronizerOption {
	return func(s *Synchronizer) {
		s.now = now
	}
}

// NewSynchronizer creates a Synchronizer.
func NewSynchronizer(
	details DetailsSource,
	downloader FormDownloader,
	formsRepo forms.Repository,
	deleter Deleter,
	opts ...SynchronizerOption,
) *Synchronizer {
	s := &Synchronizer{
		details:    details,
		downloader: downloader,
		forms:      formsRepo,
		deleter:    deleter,
		logger:     zerolog.Nop(),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Synchronize makes the local catalog match the server form list. A failure
// to fetch the list aborts the pass before anything changes locally. Local
// forms whose id the server no longer lists are deleted, then every new or
// updated form is downloaded in turn; download failures do not stop the pass
// and are joined into the returned error.
func (s *Synchronizer) Synchronize(ctx context.Context) error {
	details, err := s.details.FetchFormDetails(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to fetch form list")
		s.publish(events.FormListSyncFailed, map[string]any{"error": failureMessage(err)})
		return fmt.Errorf("failed to fetch form list: %w", err)
	}

	deleted, err := s.deleteRemoved(ctx, details)
	if err != nil {
		return err
	}

	var (
		errs       []error
		downloaded int
	)
	for _, d := range details {
		if !d.NeedsDownload() {
			continue
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		if err := s.downloader.DownloadForm(ctx, d, nil); err != nil {
			s.logger.Warn().Err(err).Str("form_id", d.FormID).Str("version", d.FormVersion).Msg("form download failed")
			s.publish(events.FormDownloadFailed, map[string]any{
				"form_id": d.FormID,
				"version": d.FormVersion,
				"error":   failureMessage(err),
			})
			errs = append(errs, err)
			continue
		}
		downloaded++
	}

	s.logger.Info().
		Int("server_forms", len(details)).
		Int("downloaded", downloaded).
		Int("failed", len(errs)).
		Int("deleted", deleted).
		Msg("form list synchronized")

	s.publish(events.FormListSynced, map[string]any{
		"server_forms": len(details),
		"downloaded":   downloaded,
		"failed":       len(errs),
		"deleted":      deleted,
	})

	if s.state != nil {
		at := s.now()
		if err := s.state.Update(func(st *settings.State) { st.LastFormListSyncAt = at }); err != nil {
			s.logger.Warn().Err(err).Msg("failed to record form list sync time")
		}
	}

	return errors.Join(errs...)
}

func (s *Synchronizer) deleteRemoved(ctx context.Context, details []formsource.ServerFormDetails) (int, error) {
	remote := make(map[string]bool, len(details))
	for _, d := range details {
		remote[d.FormID] = true
	}

	local, err := s.forms.GetAllNotDeleted(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list local forms: %w", err)
	}

	deleted := 0
	for _, f := range local {
		if remote[f.FormID] {
			continue
		}

		soft, err := s.deleter.Delete(ctx, f.DBID)
		if err != nil {
			return deleted, fmt.Errorf("failed to delete form %s: %w", f.FormID, err)
		}
		deleted++

		s.publish(events.FormDeleted, map[string]any{
			"form_id": f.FormID,
			"version": f.Version,
			"soft":    soft,
		})
	}
	return deleted, nil
}

func (s *Synchronizer) publish(t events.Type, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Type: t, Data: data})
}

// failureMessage prefers the user-facing text of form source errors.
func failureMessage(err error) string {
	var srcErr *formsource.Error
	if errors.As(err, &srcErr) {
		return srcErr.UserMessage()
	}
	return err.Error()
}
