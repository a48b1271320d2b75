// Package storage resolves the on-device directory layout and tracks which
// layout (legacy or scoped) is active.
package storage

import (
	"os"
	"path/filepath"
	"strings"
)

// Subdirectory is one of the fixed directories that make up a project's data.
type Subdirectory string

const (
	// Forms holds form definitions and their media directories.
	Forms Subdirectory = "forms"
	// Instances holds filled form instances.
	Instances Subdirectory = "instances"
	// Cache holds download staging areas and parsed form caches.
	Cache Subdirectory = ".cache"
	// Metadata holds the catalog databases.
	Metadata Subdirectory = "metadata"
	// Layers holds offline map layers.
	Layers Subdirectory = "layers"
	// Settings holds exported project settings.
	Settings Subdirectory = "settings"
	// Projects is the parent of every project directory in the scoped layout.
	Projects Subdirectory = "projects"
)

// ProjectSubdirectories lists the directories that belong to one project, in
// the order they are created and migrated.
func ProjectSubdirectories() []Subdirectory {
	return []Subdirectory{Forms, Instances, Cache, Metadata, Layers, Settings}
}

// DirName returns the directory name on disk.
func (s Subdirectory) DirName() string {
	return string(s)
}

// Context selects the storage root that path resolution uses.
type Context struct {
	LegacyRoot string
	ScopedRoot string
	Scoped     bool
}

// Root returns the active storage root.
func (c Context) Root() string {
	if c.Scoped {
		return c.ScopedRoot
	}
	return c.LegacyRoot
}

// Legacy returns a copy of c resolving against the legacy root.
func (c Context) Legacy() Context {
	c.Scoped = false
	return c
}

// WithScoped returns a copy of c resolving against the scoped root.
func (c Context) WithScoped() Context {
	c.Scoped = true
	return c
}

// PathSource resolves the path provider that is current at call time.
type PathSource interface {
	Paths() PathProvider
}

// PathProvider resolves subdirectories of one project under one storage context.
type PathProvider struct {
	ctx       Context
	projectID string
}

// NewPathProvider returns a provider for projectID under ctx.
func NewPathProvider(ctx Context, projectID string) PathProvider {
	return PathProvider{ctx: ctx, projectID: projectID}
}

// Paths implements PathSource for a fixed provider.
func (p PathProvider) Paths() PathProvider {
	return p
}

// Context returns the storage context the provider resolves against.
func (p PathProvider) Context() Context {
	return p.ctx
}

// ProjectID returns the project the provider resolves for.
func (p PathProvider) ProjectID() string {
	return p.projectID
}

// ProjectRoot returns the directory holding every subdirectory of the project.
func (p PathProvider) ProjectRoot() string {
	if !p.ctx.Scoped {
		return p.ctx.LegacyRoot
	}
	return filepath.Join(p.ctx.ScopedRoot, Projects.DirName(), p.projectID)
}

// DirPath returns the absolute path of sub.
func (p PathProvider) DirPath(sub Subdirectory) string {
	if sub == Projects {
		return filepath.Join(p.ctx.Root(), Projects.DirName())
	}
	return filepath.Join(p.ProjectRoot(), sub.DirName())
}

// RelativePath converts an absolute path under sub into a path relative to it.
func (p PathProvider) RelativePath(sub Subdirectory, path string) string {
	return Relativize(p.DirPath(sub), path)
}

// AbsolutePath converts a path relative to sub into an absolute one.
func (p PathProvider) AbsolutePath(sub Subdirectory, path string) string {
	return Absolutize(p.DirPath(sub), path)
}

// EnsureDirs creates every project subdirectory.
func (p PathProvider) EnsureDirs() error {
	for _, sub := range ProjectSubdirectories() {
		if err := os.MkdirAll(p.DirPath(sub), 0750); err != nil {
			return err
		}
	}
	return nil
}

// Relativize strips dirPath from filePath so the result can be stored and
// re-attached to a different root later. Paths outside dirPath are returned
// unchanged and an empty filePath yields an empty result.
//
// Relativize and Absolutize both return cleaned paths, so a clean relative
// path survives Absolutize followed by Relativize unchanged.
func Relativize(dirPath, filePath string) string {
	if filePath == "" {
		return ""
	}

	filePath = filepath.Clean(filePath)
	prefix := strings.TrimSuffix(filepath.Clean(dirPath), string(filepath.Separator)) + string(filepath.Separator)
	if strings.HasPrefix(filePath, prefix) {
		return filePath[len(prefix):]
	}
	return filePath
}

// Absolutize attaches a relative filePath to dirPath. Absolute paths are
// returned cleaned and an empty filePath yields an empty result. A relative
// path never resolves outside dirPath: leading ".." elements are dropped.
func Absolutize(dirPath, filePath string) string {
	if filePath == "" {
		return ""
	}
	if filepath.IsAbs(filePath) {
		return filepath.Clean(filePath)
	}
	return filepath.Join(dirPath, filepath.Clean(string(filepath.Separator)+filePath))
}
