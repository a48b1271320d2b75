package formsync_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedreap/formsync/internal/changelock"
	"github.com/seedreap/formsync/internal/formsync"
)

type countingSyncer struct {
	calls atomic.Int32
	err   atomic.Value
	lock  changelock.ChangeLock
	owner atomic.Value
}

func (s *countingSyncer) Synchronize(_ context.Context) error {
	s.calls.Add(1)
	if s.lock != nil {
		s.owner.Store(s.lock.Owner())
	}
	if err, ok := s.err.Load().(error); ok {
		return err
	}
	return nil
}

func TestPollerRunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("HoldsFormsLock", func(t *testing.T) {
		lock := changelock.New()
		syncer := &countingSyncer{lock: lock}
		p := formsync.NewPoller(syncer, lock)

		require.NoError(t, p.RunOnce(ctx))
		assert.Equal(t, changelock.OwnerFormListSync, syncer.owner.Load())
		assert.False(t, lock.IsLocked(), "released after the pass")
	})

	t.Run("SkipsWhenLocked", func(t *testing.T) {
		lock := changelock.New()
		require.True(t, lock.TryLock(changelock.OwnerFormDownload))
		syncer := &countingSyncer{}
		p := formsync.NewPoller(syncer, lock)

		require.ErrorIs(t, p.RunOnce(ctx), changelock.ErrLocked)
		assert.Zero(t, syncer.calls.Load())
	})

	t.Run("ReturnsSyncError", func(t *testing.T) {
		syncer := &countingSyncer{}
		syncer.err.Store(errors.New("boom"))
		p := formsync.NewPoller(syncer, changelock.New())

		require.EqualError(t, p.RunOnce(ctx), "boom")
	})
}

func TestPollerLoop(t *testing.T) {
	t.Run("PollsPeriodically", func(t *testing.T) {
		syncer := &countingSyncer{}
		p := formsync.NewPoller(syncer, changelock.New(), formsync.WithPollInterval(10*time.Millisecond))

		require.NoError(t, p.Start(context.Background()))
		require.Eventually(t, func() bool { return syncer.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
		require.NoError(t, p.Stop())

		stopped := syncer.calls.Load()
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, stopped, syncer.calls.Load())
	})

	t.Run("RetriesAfterFailure", func(t *testing.T) {
		syncer := &countingSyncer{}
		syncer.err.Store(errors.New("unreachable"))
		p := formsync.NewPoller(syncer, changelock.New(),
			formsync.WithPollInterval(time.Hour),
			formsync.WithInitialBackoff(5*time.Millisecond))

		require.NoError(t, p.Start(context.Background()))
		defer func() { _ = p.Stop() }()

		require.Eventually(t, func() bool { return syncer.calls.Load() >= 2 }, time.Second, 5*time.Millisecond,
			"a failed pass is retried long before the poll interval")
	})

	t.Run("LockedTickIsSkipped", func(t *testing.T) {
		lock := changelock.New()
		require.True(t, lock.TryLock(changelock.OwnerAutoSend))
		syncer := &countingSyncer{}
		p := formsync.NewPoller(syncer, lock, formsync.WithPollInterval(5*time.Millisecond))

		require.NoError(t, p.Start(context.Background()))
		time.Sleep(25 * time.Millisecond)
		assert.Zero(t, syncer.calls.Load())

		lock.Unlock(changelock.OwnerAutoSend)
		require.Eventually(t, func() bool { return syncer.calls.Load() > 0 }, time.Second, 5*time.Millisecond)
		require.NoError(t, p.Stop())
	})

	t.Run("StopsWithContext", func(t *testing.T) {
		syncer := &countingSyncer{}
		p := formsync.NewPoller(syncer, changelock.New(), formsync.WithPollInterval(time.Hour))

		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, p.Start(ctx))
		require.Eventually(t, func() bool { return syncer.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

		cancel()
		done := make(chan struct{})
		go func() {
			_ = p.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("poller did not stop")
		}
	})
}
