package storage_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedreap/formsync/internal/settings"
	"github.com/seedreap/formsync/internal/storage"
)

const projectID = "0e8a4c7e-6b4c-4f0c-9a44-1c2a4f0d9b10"

func testContext(t *testing.T) storage.Context {
	t.Helper()
	root := t.TempDir()
	return storage.Context{
		LegacyRoot: filepath.Join(root, "odk"),
		ScopedRoot: filepath.Join(root, "files"),
	}
}

func TestPathProvider(t *testing.T) {
	ctx := storage.Context{LegacyRoot: "/sdcard/odk", ScopedRoot: "/data/app/files"}

	t.Run("LegacyLayout", func(t *testing.T) {
		p := storage.NewPathProvider(ctx, projectID)

		assert.Equal(t, "/sdcard/odk", p.ProjectRoot())
		assert.Equal(t, "/sdcard/odk/forms", p.DirPath(storage.Forms))
		assert.Equal(t, "/sdcard/odk/.cache", p.DirPath(storage.Cache))
		assert.Equal(t, "/sdcard/odk/projects", p.DirPath(storage.Projects))
	})

	t.Run("ScopedLayout", func(t *testing.T) {
		p := storage.NewPathProvider(ctx.WithScoped(), projectID)

		root := "/data/app/files/projects/" + projectID
		assert.Equal(t, root, p.ProjectRoot())
		assert.Equal(t, root+"/instances", p.DirPath(storage.Instances))
		assert.Equal(t, root+"/metadata", p.DirPath(storage.Metadata))
		assert.Equal(t, root+"/layers", p.DirPath(storage.Layers))
		assert.Equal(t, root+"/settings", p.DirPath(storage.Settings))
		assert.Equal(t, "/data/app/files/projects", p.DirPath(storage.Projects))
	})

	t.Run("RelativePathSurvivesRootChange", func(t *testing.T) {
		legacy := storage.NewPathProvider(ctx, projectID)
		scoped := storage.NewPathProvider(ctx.WithScoped(), projectID)

		rel := legacy.RelativePath(storage.Forms, "/sdcard/odk/forms/birds.xml")
		assert.Equal(t, "birds.xml", rel)
		assert.Equal(t, "/sdcard/odk/forms/birds.xml", legacy.AbsolutePath(storage.Forms, rel))
		assert.Equal(t, "/data/app/files/projects/"+projectID+"/forms/birds.xml", scoped.AbsolutePath(storage.Forms, rel))
	})

	t.Run("PathsReturnsItself", func(t *testing.T) {
		p := storage.NewPathProvider(ctx, projectID)
		assert.Equal(t, p, p.Paths())
	})

	t.Run("EnsureDirs", func(t *testing.T) {
		p := storage.NewPathProvider(testContext(t).WithScoped(), projectID)
		require.NoError(t, p.EnsureDirs())

		for _, sub := range storage.ProjectSubdirectories() {
			assert.DirExists(t, p.DirPath(sub))
		}
	})
}

func TestRelativizeAbsolutize(t *testing.T) {
	t.Run("Relativize", func(t *testing.T) {
		tests := []struct {
			name string
			dir  string
			path string
			want string
		}{
			{name: "under dir", dir: "/root/forms", path: "/root/forms/a.xml", want: "a.xml"},
			{name: "nested", dir: "/root/forms", path: "/root/forms/a-media/b.png", want: "a-media/b.png"},
			{name: "trailing separator", dir: "/root/forms/", path: "/root/forms/a.xml", want: "a.xml"},
			{name: "outside dir", dir: "/root/forms", path: "/elsewhere/a.xml", want: "/elsewhere/a.xml"},
			{name: "sibling prefix", dir: "/root/forms", path: "/root/forms2/a.xml", want: "/root/forms2/a.xml"},
			{name: "already relative", dir: "/root/forms", path: "a.xml", want: "a.xml"},
			{name: "empty", dir: "/root/forms", path: "", want: ""},
			{name: "unclean under dir", dir: "/root/forms", path: "/root/forms/./a//b.xml", want: "a/b.xml"},
			{name: "unclean relative", dir: "/root/forms", path: "./a.xml", want: "a.xml"},
			{name: "dot dot out of dir", dir: "/root/forms", path: "/root/forms/../x.xml", want: "/root/x.xml"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, storage.Relativize(tt.dir, tt.path))
			})
		}
	})

	t.Run("Absolutize", func(t *testing.T) {
		assert.Equal(t, "/root/forms/a.xml", storage.Absolutize("/root/forms", "a.xml"))
		assert.Equal(t, "/other/a.xml", storage.Absolutize("/root/forms", "/other/a.xml"))
		assert.Empty(t, storage.Absolutize("/root/forms", ""))
		assert.Equal(t, "/root/forms/x.xml", storage.Absolutize("/root/forms", "../x.xml"), "stays inside dir")
		assert.Equal(t, "/root/forms/x.xml", storage.Absolutize("/root/forms", "a/../../x.xml"))
	})

	t.Run("RoundTrip", func(t *testing.T) {
		for _, path := range []string{"a.xml", "a-media/itemsets.csv", "deep/er/file.txt"} {
			assert.Equal(t, path, storage.Relativize("/root/forms", storage.Absolutize("/root/forms", path)))
		}

		// Unclean input comes back in its clean form.
		for path, want := range map[string]string{
			"./a.xml":   "a.xml",
			"a//b.xml":  "a/b.xml",
			"../x.xml":  "x.xml",
			"a/./b.xml": "a/b.xml",
		} {
			assert.Equal(t, want, storage.Relativize("/root/forms", storage.Absolutize("/root/forms", path)), path)
		}

		abs := "/root/forms/a-media/./b.png"
		assert.Equal(t, "/root/forms/a-media/b.png", storage.Absolutize("/root/forms", storage.Relativize("/root/forms", abs)))
	})
}

func TestStateProvider(t *testing.T) {
	t.Run("FlagIsPersisted", func(t *testing.T) {
		ctx := testContext(t)
		store := settings.NewMemory(settings.State{})
		p := storage.NewStateProvider(ctx.LegacyRoot, ctx.ScopedRoot, store)

		assert.False(t, p.IsScopedStorageUsed())
		assert.Equal(t, ctx.LegacyRoot, p.Context().Root())

		require.NoError(t, p.EnableUsingScopedStorage())
		assert.True(t, p.IsScopedStorageUsed())
		assert.True(t, store.Get().ScopedStorageUsed)
		assert.Equal(t, ctx.ScopedRoot, p.Context().Root())

		require.NoError(t, p.DisableUsingScopedStorage())
		assert.False(t, p.IsScopedStorageUsed())
	})

	t.Run("ProjectFollowsLayout", func(t *testing.T) {
		ctx := testContext(t)
		p := storage.NewStateProvider(ctx.LegacyRoot, ctx.ScopedRoot, settings.NewMemory(settings.State{}))
		source := p.Project(projectID)

		assert.Equal(t, filepath.Join(ctx.LegacyRoot, "forms"), source.Paths().DirPath(storage.Forms))

		require.NoError(t, p.EnableUsingScopedStorage())
		assert.Equal(t,
			filepath.Join(ctx.ScopedRoot, "projects", projectID, "forms"),
			source.Paths().DirPath(storage.Forms))
	})

	t.Run("EnoughSpace", func(t *testing.T) {
		ctx := testContext(t)
		require.NoError(t, os.MkdirAll(filepath.Join(ctx.LegacyRoot, "forms"), 0750))
		require.NoError(t, os.WriteFile(filepath.Join(ctx.LegacyRoot, "forms", "a.xml"), make([]byte, 1000), 0600))

		tests := []struct {
			name      string
			available uint64
			want      bool
		}{
			{name: "more than required", available: 1001, want: true},
			{name: "exactly required", available: 1000, want: false},
			{name: "less than required", available: 10, want: false},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				p := storage.NewStateProvider(ctx.LegacyRoot, ctx.ScopedRoot, settings.NewMemory(settings.State{}),
					storage.WithSpaceFunc(func(string) (uint64, error) { return tt.available, nil }))

				ok, err := p.IsEnoughSpaceToPerformMigration()
				require.NoError(t, err)
				assert.Equal(t, tt.want, ok)
			})
		}
	})

	t.Run("SpaceQueryError", func(t *testing.T) {
		ctx := testContext(t)
		p := storage.NewStateProvider(ctx.LegacyRoot, ctx.ScopedRoot, settings.NewMemory(settings.State{}),
			storage.WithSpaceFunc(func(string) (uint64, error) { return 0, errors.New("statfs failed") }))

		_, err := p.IsEnoughSpaceToPerformMigration()
		require.Error(t, err)
	})

	t.Run("AvailableSpaceOfMissingDir", func(t *testing.T) {
		available, err := storage.AvailableSpace(filepath.Join(t.TempDir(), "not", "created", "yet"))
		require.NoError(t, err)
		assert.Positive(t, available)
	})
}

func TestEraser(t *testing.T) {
	t.Run("EraseMissingPath", func(t *testing.T) {
		e := storage.NewEraser(zerolog.Nop())
		require.NoError(t, e.Erase(filepath.Join(t.TempDir(), "missing")))
		require.NoError(t, e.Erase(""))
	})

	t.Run("ClearScopedProject", func(t *testing.T) {
		ctx := testContext(t)
		scoped := storage.NewPathProvider(ctx.WithScoped(), projectID)
		require.NoError(t, scoped.EnsureDirs())
		require.NoError(t, os.WriteFile(filepath.Join(scoped.DirPath(storage.Forms), "partial.xml"), []byte("x"), 0600))

		other := storage.NewPathProvider(ctx.WithScoped(), "other-project")
		require.NoError(t, other.EnsureDirs())

		require.NoError(t, storage.NewEraser(zerolog.Nop()).ClearScopedProject(ctx, projectID))

		assert.NoDirExists(t, scoped.ProjectRoot())
		assert.DirExists(t, other.ProjectRoot())
	})

	t.Run("DeleteLegacyTree", func(t *testing.T) {
		ctx := testContext(t)
		legacy := storage.NewPathProvider(ctx, projectID)
		require.NoError(t, legacy.EnsureDirs())
		unrelated := filepath.Join(ctx.LegacyRoot, "README.txt")
		require.NoError(t, os.WriteFile(unrelated, []byte("keep"), 0600))

		require.NoError(t, storage.NewEraser(zerolog.Nop()).DeleteLegacyTree(ctx))

		for _, sub := range storage.ProjectSubdirectories() {
			assert.NoDirExists(t, legacy.DirPath(sub))
		}
		assert.FileExists(t, unrelated)
	})
}
