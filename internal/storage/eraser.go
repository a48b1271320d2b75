package storage

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// Eraser deletes storage trees.
type Eraser struct {
	logger zerolog.Logger
}

// NewEraser creates an Eraser.
func NewEraser(logger zerolog.Logger) *Eraser {
	return &Eraser{logger: logger}
}

// Erase recursively deletes path. A missing path is not an error.
func (e *Eraser) Erase(path string) error {
	if path == "" {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to erase %s: %w", path, err)
	}

	e.logger.Debug().Str("path", path).Msg("erased directory")
	return nil
}

// ClearScopedProject removes whatever a previous, interrupted migration left
// in the scoped directory of projectID.
func (e *Eraser) ClearScopedProject(ctx Context, projectID string) error {
	return e.Erase(NewPathProvider(ctx.WithScoped(), projectID).ProjectRoot())
}

// DeleteLegacyTree removes every project subdirectory from the legacy root.
// The root itself is kept since it may hold unrelated files.
func (e *Eraser) DeleteLegacyTree(ctx Context) error {
	legacy := NewPathProvider(ctx.Legacy(), "")
	for _, sub := range ProjectSubdirectories() {
		if err := e.Erase(legacy.DirPath(sub)); err != nil {
			return err
		}
	}

	e.logger.Info().Str("root", ctx.LegacyRoot).Msg("deleted legacy storage tree")
	return nil
}
