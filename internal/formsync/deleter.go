package formsync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/seedreap/formsync/internal/forms"
	"github.com/seedreap/formsync/internal/instances"
)

// FormDeleter removes forms that filled instances may still point at.
type FormDeleter struct {
	forms     forms.Repository
	instances instances.Repository
	logger    zerolog.Logger
}

// NewFormDeleter creates a FormDeleter.
func NewFormDeleter(formsRepo forms.Repository, instancesRepo instances.Repository, opts ...Option) *FormDeleter {
	o := buildOptions(opts)
	return &FormDeleter{
		forms:     formsRepo,
		instances: instancesRepo,
		logger:    o.logger,
	}
}

// Delete soft-deletes the form when any non-deleted instance was filled from
// it and deletes it with its files otherwise. It reports whether the form was
// soft-deleted.
func (d *FormDeleter) Delete(ctx context.Context, id int64) (bool, error) {
	form, err := d.forms.Get(ctx, id)
	if err != nil {
		return false, err
	}

	count, err := d.instances.CountByFormIDAndVersion(ctx, form.FormID, form.Version)
	if err != nil {
		return false, fmt.Errorf("failed to count instances of form %s: %w", form.FormID, err)
	}

	if count > 0 {
		if err := d.forms.SoftDelete(ctx, id); err != nil {
			return false, err
		}
		d.logger.Info().Str("form_id", form.FormID).Int("instances", count).Msg("form soft-deleted")
		return true, nil
	}

	if err := d.forms.Delete(ctx, id); err != nil {
		return false, err
	}
	d.logger.Info().Str("form_id", form.FormID).Msg("form deleted")
	return false, nil
}
