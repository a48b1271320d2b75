package formsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/seedreap/formsync/internal/changelock"
)

// Default configuration values.
const (
	defaultPollInterval   = 15 * time.Minute
	defaultInitialBackoff = 30 * time.Second
)

// Syncer runs one synchronization pass.
type Syncer interface {
	Synchronize(ctx context.Context) error
}

// Poller runs Synchronize periodically while holding the forms change lock.
type Poller struct {
	syncer         Syncer
	lock           changelock.ChangeLock
	interval       time.Duration
	initialBackoff time.Duration
	logger         zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollerLogger sets the logger.
func WithPollerLogger(logger zerolog.Logger) PollerOption {
	return func(p *Poller) {
		p.logger = logger
	}
}

// WithPollInterval sets the time between successful passes.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithInitialBackoff sets the delay after the first failed pass.
func WithInitialBackoff(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.initialBackoff = d
		}
	}
}

// NewPoller creates a Poller.
func NewPoller(syncer Syncer, lock changelock.ChangeLock, opts ...PollerOption) *Poller {
	p := &Poller{
		syncer:         syncer,
		lock:           lock,
		interval:       defaultPollInterval,
		initialBackoff: defaultInitialBackoff,
		logger:         zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// RunOnce runs a single pass. It returns changelock.ErrLocked without
// synchronizing when someone else holds the forms lock.
func (p *Poller) RunOnce(ctx context.Context) error {
	return changelock.WithLock(p.lock, changelock.OwnerFormListSync, func() error {
		return p.syncer.Synchronize(ctx)
	})
}

// Start runs a first pass immediately and then keeps polling in the
// background until ctx is cancelled or Stop is called.
func (p *Poller) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.pollLoop(ctx)

	p.logger.Info().Dur("interval", p.interval).Msg("form list poller started")
	return nil
}

// Stop stops polling and waits for a running pass to return.
func (p *Poller) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info().Msg("form list poller stopped")
	return nil
}

func (p *Poller) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(p.initialBackoff, p.interval)
	b.MaxInterval = p.interval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	retry := p.newBackOff()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := p.interval
		err := p.RunOnce(ctx)
		switch {
		case err == nil:
			retry.Reset()
		case errors.Is(err, changelock.ErrLocked):
			p.logger.Debug().Str("owner", p.lock.Owner()).Msg("forms are locked, skipping sync")
		case ctx.Err() != nil:
			return
		default:
			next = retry.NextBackOff()
			p.logger.Warn().Err(err).Dur("retry_in", next).Msg("form list sync failed")
		}

		timer.Reset(next)
	}
}
