package changelock_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedreap/formsync/internal/changelock"
)

func TestLock(t *testing.T) {
	t.Run("TryLockIsExclusive", func(t *testing.T) {
		l := changelock.New()

		require.True(t, l.TryLock(changelock.OwnerFormDownload))
		assert.True(t, l.IsLocked())
		assert.Equal(t, changelock.OwnerFormDownload, l.Owner())

		assert.False(t, l.TryLock(changelock.OwnerFormListSync))
		assert.Equal(t, changelock.OwnerFormDownload, l.Owner())
	})

	t.Run("UnlockByOtherOwnerIsIgnored", func(t *testing.T) {
		l := changelock.New()
		require.True(t, l.TryLock(changelock.OwnerAutoSend))

		l.Unlock(changelock.OwnerFormDownload)
		assert.True(t, l.IsLocked())

		l.Unlock(changelock.OwnerAutoSend)
		assert.False(t, l.IsLocked())
		assert.Empty(t, l.Owner())
	})

	t.Run("ConcurrentTryLock", func(t *testing.T) {
		l := changelock.New()
		var acquired atomic.Int32
		var wg sync.WaitGroup

		for range 20 {
			wg.Go(func() {
				if l.TryLock("worker") {
					acquired.Add(1)
				}
			})
		}
		wg.Wait()

		assert.Equal(t, int32(1), acquired.Load())
	})
}

func TestRegistry(t *testing.T) {
	r := changelock.NewRegistry()

	require.True(t, r.FormsLock().TryLock("a"))
	assert.False(t, r.InstancesLock().IsLocked(), "locks are independent")
	assert.Same(t, r.FormsLock(), r.FormsLock())
}

func TestWithLock(t *testing.T) {
	t.Run("RunsAndReleases", func(t *testing.T) {
		l := changelock.New()
		ran := false

		err := changelock.WithLock(l, "owner", func() error {
			ran = true
			assert.True(t, l.IsLocked())
			return nil
		})

		require.NoError(t, err)
		assert.True(t, ran)
		assert.False(t, l.IsLocked())
	})

	t.Run("HeldLock", func(t *testing.T) {
		l := changelock.New()
		require.True(t, l.TryLock("other"))

		err := changelock.WithLock(l, "owner", func() error {
			t.Fatal("must not run")
			return nil
		})

		require.ErrorIs(t, err, changelock.ErrLocked)
		assert.Equal(t, "other", l.Owner())
	})

	t.Run("ReleasesOnError", func(t *testing.T) {
		l := changelock.New()
		boom := errors.New("boom")

		err := changelock.WithLock(l, "owner", func() error { return boom })

		require.ErrorIs(t, err, boom)
		assert.False(t, l.IsLocked())
	})
}
