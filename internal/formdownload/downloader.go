// Package formdownload downloads a single form definition and its media
// into a staging area and installs it into the live forms directory.
package formdownload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/seedreap/formsync/internal/events"
	"github.com/seedreap/formsync/internal/fileutil"
	"github.com/seedreap/formsync/internal/formparse"
	"github.com/seedreap/formsync/internal/forms"
	"github.com/seedreap/formsync/internal/formsource"
	"github.com/seedreap/formsync/internal/storage"
)

const (
	stagingPrefix = "staging-"
	mediaStaging  = "media"

	// Cancellation is checked between chunks of this size.
	chunkSize = 32 * 1024
)

// ProgressReporter is told which media file is being downloaded.
type ProgressReporter interface {
	OnDownloadingMediaFile(index, total int)
}

// ProgressFunc adapts a function to ProgressReporter.
type ProgressFunc func(index, total int)

// OnDownloadingMediaFile implements ProgressReporter.
func (f ProgressFunc) OnDownloadingMediaFile(index, total int) {
	f(index, total)
}

// Option is a functional option for configuring the downloader.
type Option func(*Downloader)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// WithEventBus publishes FormDownloaded events on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(d *Downloader) {
		d.bus = bus
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Downloader) {
		d.now = now
	}
}

// Downloader installs forms from a FormSource into the local catalog.
type Downloader struct {
	source formsource.FormSource
	repo   forms.Repository
	paths  storage.PathSource
	parser formparse.Parser
	bus    *events.Bus
	logger zerolog.Logger
	now    func() time.Time
}

// NewDownloader creates a downloader.
func NewDownloader(
	source formsource.FormSource,
	repo forms.Repository,
	paths storage.PathSource,
	parser formparse.Parser,
	opts ...Option,
) *Downloader {
	d := &Downloader{
		source: source,
		repo:   repo,
		paths:  paths,
		parser: parser,
		logger: zerolog.Nop(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// stagedForm is the definition file after step 3.
type stagedForm struct {
	hash   string
	staged string // temp copy, empty when an installed file was reused
	target string // final location in the forms directory
	isNew  bool
}

// stagedMedia is the media directory after step 4.
type stagedMedia struct {
	dir        string
	downloaded int
}

// DownloadForm downloads details into the catalog. Cancelling ctx interrupts
// the download between write chunks; staged files are always removed before
// returning.
func (d *Downloader) DownloadForm(ctx context.Context, details formsource.ServerFormDetails, progress ProgressReporter) error {
	logger := d.logger.With().Str("form_id", details.FormID).Str("version", details.FormVersion).Logger()

	if details.Hash == "" {
		return &Error{Kind: FormWithNoHash, FormID: details.FormID}
	}

	stale, err := d.prepare(ctx, details)
	if err != nil {
		return classify(ctx, details.FormID, err)
	}

	paths := d.paths.Paths()
	stagingDir := filepath.Join(paths.DirPath(storage.Cache), stagingPrefix+ulid.Make().String())
	if err := os.MkdirAll(stagingDir, 0750); err != nil {
		return &Error{Kind: Disk, FormID: details.FormID, Err: err}
	}
	defer func() {
		if err := os.RemoveAll(stagingDir); err != nil {
			logger.Warn().Err(err).Str("path", stagingDir).Msg("failed to remove staging directory")
		}
	}()

	form, err := d.downloadDefinition(ctx, details, stagingDir, paths.DirPath(storage.Forms))
	if err != nil {
		return classify(ctx, details.FormID, err)
	}

	media, err := d.downloadMedia(ctx, details, form, stagingDir, progress)
	if err != nil {
		return classify(ctx, details.FormID, err)
	}

	var md formparse.Metadata
	if form.isNew {
		if md, err = d.parser.Parse(form.staged); err != nil {
			return &Error{Kind: FormParsing, FormID: details.FormID, Err: err}
		}
		if err := validateSubmissionURI(md.SubmissionURI); err != nil {
			return &Error{Kind: InvalidSubmission, FormID: details.FormID, Err: err}
		}
	}

	installed, err := d.install(ctx, form, md, media)
	if err != nil {
		return classify(ctx, details.FormID, err)
	}

	for _, f := range stale {
		if f.DBID == installed.DBID || f.MD5Hash == installed.MD5Hash {
			continue
		}
		if err := d.repo.Delete(ctx, f.DBID); err != nil {
			logger.Warn().Err(err).Int64("id", f.DBID).Msg("failed to delete superseded form")
			continue
		}
		logger.Debug().Int64("id", f.DBID).Str("hash", f.MD5Hash).Msg("deleted superseded form")
	}

	logger.Info().
		Str("hash", installed.MD5Hash).
		Bool("new", form.isNew).
		Int("media_downloaded", media.downloaded).
		Msg("form downloaded")

	if d.bus != nil {
		d.bus.Publish(events.Event{
			Type:    events.FormDownloaded,
			Subject: installed,
			Data: map[string]any{
				"form_id":      installed.FormID,
				"version":      installed.Version,
				"display_name": installed.DisplayName,
				"hash":         installed.MD5Hash,
			},
		})
	}
	return nil
}

// prepare restores a soft-deleted form with the same hash, or collects the
// forms that a successful download of details will supersede.
func (d *Downloader) prepare(ctx context.Context, details formsource.ServerFormDetails) ([]forms.Form, error) {
	existing, err := d.repo.GetOneByMD5Hash(ctx, details.Hash)
	switch {
	case err == nil:
		if existing.Deleted {
			if err := d.repo.Restore(ctx, existing.DBID); err != nil {
				return nil, fmt.Errorf("failed to restore form: %w", err)
			}
		}
		return nil, nil
	case errors.Is(err, forms.ErrNotFound):
		return d.repo.GetAllByFormIDAndVersion(ctx, details.FormID, details.FormVersion)
	default:
		return nil, err
	}
}

func (d *Downloader) downloadDefinition(
	ctx context.Context,
	details formsource.ServerFormDetails,
	stagingDir, formsDir string,
) (stagedForm, error) {
	base := fileName(details.FormName, details.FormID)
	staged := filepath.Join(stagingDir, base+".xml")

	body, err := d.source.FetchForm(ctx, details.DownloadURL)
	if err != nil {
		return stagedForm{}, err
	}
	err = writeStream(ctx, body, staged)
	_ = body.Close()
	if err != nil {
		return stagedForm{}, err
	}

	hash, err := fileutil.MD5File(staged)
	if err != nil {
		return stagedForm{}, err
	}

	// Reuse an installed file with identical content instead of adding a copy.
	if existing, err := d.repo.GetOneByMD5Hash(ctx, hash); err == nil && fileutil.Exists(existing.FormFilePath) {
		return stagedForm{hash: hash, target: existing.FormFilePath}, nil
	} else if err != nil && !errors.Is(err, forms.ErrNotFound) {
		return stagedForm{}, err
	}

	return stagedForm{
		hash:   hash,
		staged: staged,
		target: uniquePath(formsDir, base, ".xml"),
		isNew:  true,
	}, nil
}

func (d *Downloader) downloadMedia(
	ctx context.Context,
	details formsource.ServerFormDetails,
	form stagedForm,
	stagingDir string,
	progress ProgressReporter,
) (stagedMedia, error) {
	media := stagedMedia{dir: filepath.Join(stagingDir, mediaStaging)}
	if details.Manifest == nil || len(details.Manifest.Files) == 0 {
		return media, nil
	}
	if err := os.MkdirAll(media.dir, 0750); err != nil {
		return media, err
	}

	installedDir := forms.MediaDirFor(form.target)
	total := len(details.Manifest.Files)
	for i, mf := range details.Manifest.Files {
		if progress != nil {
			progress.OnDownloadingMediaFile(i+1, total)
		}

		installed, err := fileutil.SafeJoin(installedDir, mf.Filename)
		if err != nil {
			return media, err
		}
		// Without a hash there is nothing to compare, so a present file is current.
		if fileutil.Exists(installed) {
			if mf.Hash == "" {
				continue
			}
			if current, err := fileutil.MD5File(installed); err == nil && current == mf.Hash {
				continue
			}
		}

		dst, err := fileutil.SafeJoin(media.dir, mf.Filename)
		if err != nil {
			return media, err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
			return media, err
		}

		body, err := d.source.FetchMediaFile(ctx, mf.DownloadURL)
		if err != nil {
			return media, err
		}
		err = writeStream(ctx, body, dst)
		_ = body.Close()
		if err != nil {
			return media, err
		}
		media.downloaded++
	}

	return media, nil
}

func (d *Downloader) install(ctx context.Context, form stagedForm, md formparse.Metadata, media stagedMedia) (forms.Form, error) {
	var (
		saved   forms.Form
		created bool
		err     error
	)

	if form.isNew {
		if err := os.MkdirAll(filepath.Dir(form.target), 0750); err != nil {
			return forms.Form{}, err
		}
		if err := fileutil.CopyFile(form.staged, form.target); err != nil {
			return forms.Form{}, err
		}

		saved, created, err = d.saveNew(ctx, form, md)
		if err != nil {
			_ = os.Remove(form.target)
			return forms.Form{}, err
		}
	} else {
		if saved, err = d.repo.GetOneByMD5Hash(ctx, form.hash); err != nil {
			return forms.Form{}, err
		}
		if saved.Deleted {
			if err := d.repo.Restore(ctx, saved.DBID); err != nil {
				return forms.Form{}, fmt.Errorf("failed to restore form: %w", err)
			}
			saved.Deleted = false
		}
	}

	if media.downloaded == 0 {
		return saved, nil
	}

	if err := mergeMedia(media.dir, saved.FormMediaPath); err != nil {
		if created {
			if delErr := d.repo.Delete(ctx, saved.DBID); delErr != nil {
				d.logger.Error().Err(delErr).Int64("id", saved.DBID).Msg("failed to remove form after media install failed")
			}
		}
		return forms.Form{}, fmt.Errorf("failed to install media: %w", err)
	}

	if !created {
		if saved, err = d.repo.Save(ctx, saved.WithLastDetectedAttachmentsUpdateDate(d.now())); err != nil {
			return forms.Form{}, err
		}
	}
	return saved, nil
}

// saveNew stores the row for a newly installed definition. A row that
// already carries the hash but lost its file is pointed at the new file so
// the hash stays unique.
func (d *Downloader) saveNew(ctx context.Context, form stagedForm, md formparse.Metadata) (forms.Form, bool, error) {
	row := forms.Form{
		DisplayName:   md.Title,
		FormID:        md.FormID,
		Version:       md.Version,
		FormFilePath:  form.target,
		FormMediaPath: forms.MediaDirFor(form.target),
		SubmissionURI: md.SubmissionURI,
		PublicKey:     md.PublicKey,
		AutoSend:      md.AutoSend,
		AutoDelete:    md.AutoDelete,
		GeometryXPath: md.GeometryXPath,
		Language:      md.Language,
		MD5Hash:       form.hash,
		Date:          d.now(),
		UsesEntities:  md.UsesEntities,
	}

	existing, err := d.repo.GetOneByMD5Hash(ctx, form.hash)
	switch {
	case err == nil:
		row.DBID = existing.DBID
		saved, err := d.repo.Save(ctx, row)
		return saved, false, err
	case errors.Is(err, forms.ErrNotFound):
		saved, err := d.repo.Save(ctx, row)
		return saved, err == nil, err
	default:
		return forms.Form{}, false, err
	}
}

// mergeMedia moves every staged file into dst, replacing only files with
// the same name.
func mergeMedia(staged, dst string) error {
	return filepath.WalkDir(staged, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(staged, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
			return err
		}
		return fileutil.MoveFile(path, target)
	})
}

// writeStream copies r into a new file at path, checking ctx between chunks.
func writeStream(ctx context.Context, r io.Reader, path string) (retErr error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && retErr == nil {
			retErr = cerr
		}
	}()

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return &Error{Kind: Interrupted, Err: err}
		}

		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func validateSubmissionURI(raw string) error {
	if raw == "" {
		return nil
	}

	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("invalid submission URI %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid submission URI %q: unsupported scheme", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid submission URI %q: missing host", raw)
	}
	return nil
}

// fileName turns a form name into a file name without extension.
func fileName(name, fallback string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, strings.ContainsRune(`/\:*?"<>|`, r):
			return -1
		default:
			return r
		}
	}, name)
	cleaned = strings.TrimSpace(strings.Join(strings.Fields(cleaned), " "))

	if cleaned == "" || cleaned == "." || cleaned == ".." {
		cleaned = fallback
	}
	if cleaned == "" {
		cleaned = "form"
	}
	return cleaned
}

// uniquePath returns dir/base+ext, or dir/base_N+ext for the smallest N that
// does not exist yet.
func uniquePath(dir, base, ext string) string {
	candidate := filepath.Join(dir, base+ext)
	for n := 2; fileutil.Exists(candidate) || fileutil.Exists(forms.MediaDirFor(candidate)); n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, n, ext))
	}
	return candidate
}

// PurgeStaging removes staging directories left behind by downloads that
// never finished, e.g. because the process was killed.
func PurgeStaging(paths storage.PathProvider, logger zerolog.Logger) error {
	cache := paths.DirPath(storage.Cache)
	entries, err := os.ReadDir(cache)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var errs []error
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), stagingPrefix) {
			continue
		}
		path := filepath.Join(cache, e.Name())
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, err)
			continue
		}
		logger.Debug().Str("path", path).Msg("purged stale staging directory")
	}
	return errors.Join(errs...)
}
