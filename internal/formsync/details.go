// Package formsync keeps the local form catalog in line with the server's
// form list.
package formsync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/seedreap/formsync/internal/fileutil"
	"github.com/seedreap/formsync/internal/forms"
	"github.com/seedreap/formsync/internal/formsource"
)

// Option is a functional option shared by the components of this package.
type Option func(*options)

type options struct {
	logger zerolog.Logger
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// DetailsFetcher compares the server form list with the local catalog.
type DetailsFetcher struct {
	source formsource.FormSource
	repo   forms.Repository
	logger zerolog.Logger
}

// NewDetailsFetcher creates a DetailsFetcher.
func NewDetailsFetcher(source formsource.FormSource, repo forms.Repository, opts ...Option) *DetailsFetcher {
	o := buildOptions(opts)
	return &DetailsFetcher{
		source: source,
		repo:   repo,
		logger: o.logger,
	}
}

// FetchFormDetails returns one entry per form on the server. A form is not on
// the device when no non-deleted local form shares its id and version; it is
// updated when such a form exists but none has the server's definition hash,
// or when any media file listed in its manifest is missing locally or differs.
func (f *DetailsFetcher) FetchFormDetails(ctx context.Context) ([]formsource.ServerFormDetails, error) {
	items, err := f.source.FetchFormList(ctx)
	if err != nil {
		return nil, err
	}

	local, err := f.repo.GetAllNotDeleted(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list local forms: %w", err)
	}

	details := make([]formsource.ServerFormDetails, 0, len(items))
	for _, item := range items {
		var manifest *formsource.Manifest
		if item.ManifestURL != "" {
			if manifest, err = f.source.FetchManifest(ctx, item.ManifestURL); err != nil {
				return nil, err
			}
		}

		matching := filterByIdentity(local, item.FormID, item.Version)
		onDevice := len(matching) > 0

		d := formsource.ServerFormDetails{
			FormName:      item.Name,
			DownloadURL:   item.DownloadURL,
			ManifestURL:   item.ManifestURL,
			FormID:        item.FormID,
			FormVersion:   item.Version,
			Hash:          item.Hash,
			Manifest:      manifest,
			IsNotOnDevice: !onDevice,
		}
		if onDevice {
			d.IsUpdated = !hasHash(matching, item.Hash) || newerMediaAvailable(latest(matching), manifest)
		}

		f.logger.Debug().
			Str("form_id", d.FormID).
			Str("version", d.FormVersion).
			Bool("not_on_device", d.IsNotOnDevice).
			Bool("updated", d.IsUpdated).
			Msg("compared server form")

		details = append(details, d)
	}

	return details, nil
}

func filterByIdentity(all []forms.Form, formID, version string) []forms.Form {
	var out []forms.Form
	for _, f := range all {
		if f.FormID == formID && f.Version == version {
			out = append(out, f)
		}
	}
	return out
}

func hasHash(all []forms.Form, hash string) bool {
	for _, f := range all {
		if f.MD5Hash == hash {
			return true
		}
	}
	return false
}

// latest returns the most recently added form.
func latest(all []forms.Form) forms.Form {
	out := all[0]
	for _, f := range all[1:] {
		if f.Date.After(out.Date) || (f.Date.Equal(out.Date) && f.DBID > out.DBID) {
			out = f
		}
	}
	return out
}

func newerMediaAvailable(form forms.Form, manifest *formsource.Manifest) bool {
	if manifest == nil {
		return false
	}
	for _, mf := range manifest.Files {
		path, err := fileutil.SafeJoin(form.FormMediaPath, mf.Filename)
		if err != nil || !fileutil.Exists(path) {
			return true
		}
		if mf.Hash == "" {
			continue
		}
		hash, err := fileutil.MD5File(path)
		if err != nil || hash != mf.Hash {
			return true
		}
	}
	return false
}
