package fileutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedreap/formsync/internal/fileutil"
)

func TestCopyFile(t *testing.T) {
	t.Run("SuccessCases", func(t *testing.T) {
		tests := []struct {
			name    string
			content []byte
		}{
			{name: "copies small file", content: []byte("<h:html/>")},
			{name: "copies empty file", content: []byte{}},
			{name: "copies binary content", content: []byte{0x00, 0x01, 0xFF, 0xFE}},
			{name: "copies large file", content: make([]byte, 1024*1024)},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				tmpDir := t.TempDir()
				srcPath := filepath.Join(tmpDir, "source.xml")
				dstPath := filepath.Join(tmpDir, "dest.xml")

				require.NoError(t, os.WriteFile(srcPath, tt.content, 0600))
				require.NoError(t, fileutil.CopyFile(srcPath, dstPath))

				dstContent, err := os.ReadFile(dstPath)
				require.NoError(t, err)
				assert.Equal(t, tt.content, dstContent)

				srcContent, err := os.ReadFile(srcPath)
				require.NoError(t, err)
				assert.Equal(t, tt.content, srcContent)
			})
		}
	})

	t.Run("CreatesParentDirectories", func(t *testing.T) {
		tmpDir := t.TempDir()
		srcPath := filepath.Join(tmpDir, "source.xml")
		dstPath := filepath.Join(tmpDir, "forms", "nested", "dest.xml")

		require.NoError(t, os.WriteFile(srcPath, []byte("content"), 0600))
		require.NoError(t, fileutil.CopyFile(srcPath, dstPath))

		dstContent, err := os.ReadFile(dstPath)
		require.NoError(t, err)
		assert.Equal(t, []byte("content"), dstContent)
	})

	t.Run("SourceDoesNotExist", func(t *testing.T) {
		tmpDir := t.TempDir()

		err := fileutil.CopyFile(filepath.Join(tmpDir, "missing.xml"), filepath.Join(tmpDir, "dest.xml"))
		require.Error(t, err)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("SourceIsDirectory", func(t *testing.T) {
		tmpDir := t.TempDir()
		srcPath := filepath.Join(tmpDir, "srcdir")
		require.NoError(t, os.MkdirAll(srcPath, 0750))

		require.Error(t, fileutil.CopyFile(srcPath, filepath.Join(tmpDir, "dest.xml")))
	})
}

func TestMoveFile(t *testing.T) {
	tmpDir := t.TempDir()
	srcPath := filepath.Join(tmpDir, "staging", "image.png")
	dstPath := filepath.Join(tmpDir, "forms", "form-media", "image.png")

	require.NoError(t, os.MkdirAll(filepath.Dir(srcPath), 0750))
	require.NoError(t, os.WriteFile(srcPath, []byte("png"), 0600))

	require.NoError(t, fileutil.MoveFile(srcPath, dstPath))

	assert.NoFileExists(t, srcPath)
	content, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), content)
}

func TestCopyDir(t *testing.T) {
	t.Run("CopiesTree", func(t *testing.T) {
		src := t.TempDir()
		dst := filepath.Join(t.TempDir(), "copy")

		require.NoError(t, os.MkdirAll(filepath.Join(src, "forms", "a-media"), 0750))
		require.NoError(t, os.MkdirAll(filepath.Join(src, "empty"), 0750))
		require.NoError(t, os.WriteFile(filepath.Join(src, "forms", "a.xml"), []byte("a"), 0600))
		require.NoError(t, os.WriteFile(filepath.Join(src, "forms", "a-media", "m.csv"), []byte("m"), 0600))

		require.NoError(t, fileutil.CopyDir(src, dst))

		assert.FileExists(t, filepath.Join(dst, "forms", "a.xml"))
		assert.FileExists(t, filepath.Join(dst, "forms", "a-media", "m.csv"))
		assert.DirExists(t, filepath.Join(dst, "empty"))
		assert.FileExists(t, filepath.Join(src, "forms", "a.xml"), "source is left in place")
	})

	t.Run("MissingSourceIsNoop", func(t *testing.T) {
		dst := filepath.Join(t.TempDir(), "copy")

		require.NoError(t, fileutil.CopyDir(filepath.Join(t.TempDir(), "missing"), dst))
		assert.NoDirExists(t, dst)
	})
}

func TestDirSize(t *testing.T) {
	t.Run("SumsFileLengths", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0750))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), make([]byte, 100), 0600))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b"), make([]byte, 28), 0600))

		size, err := fileutil.DirSize(dir)
		require.NoError(t, err)
		assert.Equal(t, int64(128), size)
	})

	t.Run("MissingDirIsZero", func(t *testing.T) {
		size, err := fileutil.DirSize(filepath.Join(t.TempDir(), "missing"))
		require.NoError(t, err)
		assert.Zero(t, size)
	})
}

func TestMD5File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "form.xml")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0600))

	hash, err := fileutil.MD5File(path)
	require.NoError(t, err)
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", hash)

	_, err = fileutil.MD5File(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestSafeJoin(t *testing.T) {
	t.Run("ValidPaths", func(t *testing.T) {
		tests := []struct {
			name     string
			base     string
			path     string
			expected string
		}{
			{name: "simple file", base: "/base", path: "file.txt", expected: "/base/file.txt"},
			{name: "nested path", base: "/base", path: "subdir/file.txt", expected: "/base/subdir/file.txt"},
			{name: "media file", base: "/forms/a-media", path: "itemsets.csv", expected: "/forms/a-media/itemsets.csv"},
			{name: "single dot current dir", base: "/base", path: "./file.txt", expected: "/base/file.txt"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				result, err := fileutil.SafeJoin(tt.base, tt.path)
				require.NoError(t, err)
				assert.Equal(t, tt.expected, result)
			})
		}
	})

	t.Run("PathTraversal", func(t *testing.T) {
		for _, path := range []string{"../etc/passwd", "subdir/../../etc/passwd", "foo/../../../bar"} {
			_, err := fileutil.SafeJoin("/base/dir", path)
			require.Error(t, err, path)
			assert.Contains(t, err.Error(), "path")
		}
	})

	t.Run("AbsolutePaths", func(t *testing.T) {
		_, err := fileutil.SafeJoin("/base", "/etc/passwd")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "relative")
	})
}
