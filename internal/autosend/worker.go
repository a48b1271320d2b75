// Package autosend submits finalized instances of auto-send forms in the
// background.
package autosend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/seedreap/formsync/internal/changelock"
	"github.com/seedreap/formsync/internal/events"
	"github.com/seedreap/formsync/internal/forms"
	"github.com/seedreap/formsync/internal/instances"
)

const defaultInterval = 5 * time.Minute

// Submitter sends an instance file and its attachments to target, or to the
// server's default submission endpoint when target is empty.
type Submitter interface {
	SubmitInstance(ctx context.Context, target, instanceFile string, attachments []string) error
}

// Worker submits instances while holding the instances change lock.
type Worker struct {
	submitter Submitter
	forms     forms.Repository
	instances instances.Repository
	lock      changelock.ChangeLock
	bus       *events.Bus
	interval  time.Duration
	sendAll   bool
	logger    zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option is a functional option for configuring the worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithEventBus publishes submission events on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(w *Worker) {
		w.bus = bus
	}
}

// WithInterval sets the time between passes.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithSendAllForms makes forms without an explicit auto-send setting eligible.
// Forms that set auto-send to false are never sent.
func WithSendAllForms(enabled bool) Option {
	return func(w *Worker) {
		w.sendAll = enabled
	}
}

// NewWorker creates a Worker.
func NewWorker(
	submitter Submitter,
	formsRepo forms.Repository,
	instancesRepo instances.Repository,
	lock changelock.ChangeLock,
	opts ...Option,
) *Worker {
	w := &Worker{
		submitter: submitter,
		forms:     formsRepo,
		instances: instancesRepo,
		lock:      lock,
		interval:  defaultInterval,
		logger:    zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// RunOnce submits every complete or previously failed instance whose form is
// set to auto-send and returns how many were accepted. It returns
// changelock.ErrLocked when the instances lock is held.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	sent := 0
	err := changelock.WithLock(w.lock, changelock.OwnerAutoSend, func() error {
		pending, err := w.instances.GetAllByStatus(ctx, instances.StatusComplete, instances.StatusSubmissionFailed)
		if err != nil {
			return fmt.Errorf("failed to list pending instances: %w", err)
		}

		var errs []error
		for _, inst := range pending {
			if ctx.Err() != nil {
				errs = append(errs, ctx.Err())
				break
			}

			form, ok, err := w.eligible(ctx, inst)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !ok {
				continue
			}

			if err := w.submit(ctx, inst, form); err != nil {
				errs = append(errs, err)
				continue
			}
			sent++
		}
		return errors.Join(errs...)
	})
	return sent, err
}

// eligible returns the form of inst and whether inst should be sent.
func (w *Worker) eligible(ctx context.Context, inst instances.Instance) (forms.Form, bool, error) {
	form, err := w.forms.GetLatestByFormIDAndVersion(ctx, inst.FormID, inst.FormVersion)
	if errors.Is(err, forms.ErrNotFound) {
		return forms.Form{}, false, nil
	}
	if err != nil {
		return forms.Form{}, false, fmt.Errorf("failed to look up form %s: %w", inst.FormID, err)
	}

	if form.AutoSend == "" {
		return form, w.sendAll, nil
	}
	return form, form.IsAutoSend(), nil
}

func (w *Worker) submit(ctx context.Context, inst instances.Instance, form forms.Form) error {
	logger := w.logger.With().Int64("instance_id", inst.DBID).Str("form_id", inst.FormID).Logger()

	attachments, err := attachmentsOf(inst.InstanceFilePath)
	if err == nil {
		err = w.submitter.SubmitInstance(ctx, form.SubmissionURI, inst.InstanceFilePath, attachments)
	}

	if err != nil {
		logger.Warn().Err(err).Msg("instance submission failed")
		if uerr := w.instances.UpdateStatus(ctx, inst.DBID, instances.StatusSubmissionFailed); uerr != nil {
			logger.Error().Err(uerr).Msg("failed to record submission failure")
		}
		w.publish(events.InstanceSubmissionFailed, inst, map[string]any{
			"instance_id": inst.DBID,
			"form_id":     inst.FormID,
			"error":       err.Error(),
		})
		return fmt.Errorf("failed to submit instance %d: %w", inst.DBID, err)
	}

	if err := w.instances.UpdateStatus(ctx, inst.DBID, instances.StatusSubmitted); err != nil {
		return fmt.Errorf("failed to mark instance %d submitted: %w", inst.DBID, err)
	}
	logger.Info().Int("attachments", len(attachments)).Msg("instance submitted")
	w.publish(events.InstanceSubmitted, inst, map[string]any{
		"instance_id": inst.DBID,
		"form_id":     inst.FormID,
	})

	if form.IsAutoDelete() {
		w.deleteSubmitted(ctx, inst, logger)
	}
	return nil
}

// deleteSubmitted removes the instance directory and marks the row deleted.
// The submission already succeeded, so failures are only logged.
func (w *Worker) deleteSubmitted(ctx context.Context, inst instances.Instance, logger zerolog.Logger) {
	if err := os.RemoveAll(filepath.Dir(inst.InstanceFilePath)); err != nil {
		logger.Warn().Err(err).Msg("failed to delete submitted instance files")
		return
	}
	if err := w.instances.MarkDeleted(ctx, inst.DBID); err != nil {
		logger.Warn().Err(err).Msg("failed to mark submitted instance deleted")
		return
	}
	logger.Debug().Msg("deleted submitted instance")
}

func (w *Worker) publish(t events.Type, subject any, data map[string]any) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(events.Event{Type: t, Subject: subject, Data: data})
}

// attachmentsOf lists the regular files next to the instance file.
func attachmentsOf(instanceFile string) ([]string, error) {
	dir := filepath.Dir(instanceFile)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if !e.Type().IsRegular() || path == instanceFile {
			continue
		}
		out = append(out, path)
	}
	return out, nil
}

// Start begins submitting in the background until ctx is cancelled or Stop
// is called.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(ctx)

	w.logger.Info().Dur("interval", w.interval).Msg("auto-send worker started")
	return nil
}

// Stop stops the worker and waits for a running pass to return.
func (w *Worker) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info().Msg("auto-send worker stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent, err := w.RunOnce(ctx)
			switch {
			case errors.Is(err, changelock.ErrLocked):
				w.logger.Debug().Str("owner", w.lock.Owner()).Msg("instances are locked, skipping auto-send")
			case err != nil:
				w.logger.Warn().Err(err).Int("sent", sent).Msg("auto-send pass finished with errors")
			case sent > 0:
				w.logger.Info().Int("sent", sent).Msg("auto-send pass finished")
			}
		}
	}
}
