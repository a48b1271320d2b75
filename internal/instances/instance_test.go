package instances_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedreap/formsync/internal/database"
	"github.com/seedreap/formsync/internal/database/migrations"
	"github.com/seedreap/formsync/internal/instances"
	"github.com/seedreap/formsync/internal/storage"
	testutil "github.com/seedreap/formsync/internal/testing"
)

func newRepo(t *testing.T) (*instances.SQLiteRepository, storage.PathProvider) {
	t.Helper()
	paths := testutil.NewTestPaths(t)
	db := testutil.NewTestDB(t, migrations.Instances())
	return instances.NewSQLiteRepository(database.Static(db), paths), paths
}

func newInstance(paths storage.PathProvider, formID, version string) instances.Instance {
	name := gofakeit.LetterN(8)
	return instances.Instance{
		DisplayName:      gofakeit.Sentence(2),
		FormID:           formID,
		FormVersion:      version,
		InstanceFilePath: filepath.Join(paths.DirPath(storage.Instances), name, name+".xml"),
	}
}

func TestSave(t *testing.T) {
	ctx := context.Background()
	repo, paths := newRepo(t)

	in := newInstance(paths, "f1", "1")
	saved, err := repo.Save(ctx, in)
	require.NoError(t, err)
	assert.NotZero(t, saved.DBID)
	assert.Equal(t, instances.StatusIncomplete, saved.Status)
	assert.Equal(t, in.InstanceFilePath, saved.InstanceFilePath)
	assert.Nil(t, saved.DeletedDate)

	saved.Status = instances.StatusComplete
	deleted := time.UnixMilli(1700000000000)
	saved.DeletedDate = &deleted
	updated, err := repo.Save(ctx, saved)
	require.NoError(t, err)
	assert.Equal(t, instances.StatusComplete, updated.Status)
	require.NotNil(t, updated.DeletedDate)
	assert.Equal(t, deleted.UnixMilli(), updated.DeletedDate.UnixMilli())

	_, err = repo.Save(ctx, instances.Instance{DBID: 99, InstanceFilePath: "x.xml"})
	require.ErrorIs(t, err, instances.ErrNotFound)
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	repo, paths := newRepo(t)

	save := func(in instances.Instance) instances.Instance {
		out, err := repo.Save(ctx, in)
		require.NoError(t, err)
		return out
	}

	a := save(newInstance(paths, "f1", "1"))
	b := newInstance(paths, "f1", "1")
	b.Status = instances.StatusComplete
	b = save(b)
	c := newInstance(paths, "f1", "1")
	gone := time.Now()
	c.DeletedDate = &gone
	c.Status = instances.StatusComplete
	save(c)
	save(newInstance(paths, "f2", ""))

	t.Run("CountIgnoresDeleted", func(t *testing.T) {
		n, err := repo.CountByFormIDAndVersion(ctx, "f1", "1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = repo.CountByFormIDAndVersion(ctx, "f3", "")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ByStatus", func(t *testing.T) {
		got, err := repo.GetAllByStatus(ctx, instances.StatusComplete)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, b.DBID, got[0].DBID)

		got, err = repo.GetAllByStatus(ctx, instances.StatusComplete, instances.StatusIncomplete)
		require.NoError(t, err)
		assert.Len(t, got, 3)

		got, err = repo.GetAllByStatus(ctx)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("UpdateStatus", func(t *testing.T) {
		require.NoError(t, repo.UpdateStatus(ctx, a.DBID, instances.StatusSubmitted))
		got, err := repo.Get(ctx, a.DBID)
		require.NoError(t, err)
		assert.Equal(t, instances.StatusSubmitted, got.Status)

		require.ErrorIs(t, repo.UpdateStatus(ctx, 9999, instances.StatusSubmitted), instances.ErrNotFound)
	})

	t.Run("All", func(t *testing.T) {
		all, err := repo.GetAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})

	t.Run("MarkDeleted", func(t *testing.T) {
		require.NoError(t, repo.MarkDeleted(ctx, a.DBID))
		got, err := repo.Get(ctx, a.DBID)
		require.NoError(t, err)
		assert.NotNil(t, got.DeletedDate)
		assert.Equal(t, instances.StatusSubmitted, got.Status)

		n, err := repo.CountByFormIDAndVersion(ctx, "f1", "1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		require.ErrorIs(t, repo.MarkDeleted(ctx, 9999), instances.ErrNotFound)
	})
}

func TestMigrateDatabasePaths(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDB(t, migrations.Instances())
	legacy := storage.NewPathProvider(storage.Context{LegacyRoot: "/sdcard/odk"}, "p1")

	_, err := db.ExecContext(ctx, `INSERT INTO instances (form_id, instance_file_path, last_status_change_date)
		VALUES ('a', '/sdcard/odk/instances/a_1/a_1.xml', 0), ('b', 'b_1/b_1.xml', 0)`)
	require.NoError(t, err)

	require.NoError(t, instances.MigrateDatabasePaths(ctx, db, legacy))

	scoped := storage.NewPathProvider(storage.Context{LegacyRoot: "/sdcard/odk", ScopedRoot: "/data/odk", Scoped: true}, "p1")
	repo := instances.NewSQLiteRepository(database.Static(db), scoped)
	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "/data/odk/projects/p1/instances/a_1/a_1.xml", all[0].InstanceFilePath)
	assert.Equal(t, "/data/odk/projects/p1/instances/b_1/b_1.xml", all[1].InstanceFilePath)
}
