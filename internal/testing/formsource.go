package testing

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/seedreap/formsync/internal/formsource"
)

// ErrNotFound is returned by MockFormSource for unknown URLs.
var ErrNotFound = errors.New("not found")

// MockFormSource is an in-memory formsource.FormSource.
type MockFormSource struct {
	mu      sync.RWMutex
	forms   map[string]ServerForm
	errs    map[string]error
	listErr error
	calls   map[string]int

	// OnFetch, when set, replaces FetchForm and FetchMediaFile. Returning a
	// nil reader and nil error falls through to the default behavior.
	OnFetch func(ctx context.Context, url string) (io.ReadCloser, error)
}

// NewMockFormSource creates an empty mock form source.
func NewMockFormSource() *MockFormSource {
	return &MockFormSource{
		forms: make(map[string]ServerForm),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

// Form URLs used by MockFormSource.
func formURL(id string) string            { return "mock://forms/" + id + "/form.xml" }
func manifestURL(id string) string        { return "mock://forms/" + id + "/manifest" }
func mediaURL(id, name string) string     { return "mock://forms/" + id + "/media/" + name }
func (m *MockFormSource) listURL() string { return "mock://formList" }

// AddForm publishes form, replacing any form with the same id.
func (m *MockFormSource) AddForm(form ServerForm) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forms[form.FormID] = form
}

// RemoveForm unpublishes the form with formID.
func (m *MockFormSource) RemoveForm(formID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.forms, formID)
}

// SetListError makes FetchFormList fail with err. Nil clears it.
func (m *MockFormSource) SetListError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

// SetError makes requests for url fail with err. Nil clears it.
func (m *MockFormSource) SetError(url string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, url)
		return
	}
	m.errs[url] = err
}

// FormURL returns the definition URL of formID.
func (m *MockFormSource) FormURL(formID string) string { return formURL(formID) }

// MediaURL returns the URL of a media file of formID.
func (m *MockFormSource) MediaURL(formID, name string) string { return mediaURL(formID, name) }

// Calls returns how often url was requested.
func (m *MockFormSource) Calls(url string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[url]
}

// ListCalls returns how often the form list was requested.
func (m *MockFormSource) ListCalls() int {
	return m.Calls(m.listURL())
}

// TotalFetches returns how many definition and media files were requested.
func (m *MockFormSource) TotalFetches() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for url, c := range m.calls {
		if strings.HasSuffix(url, "/form.xml") || strings.Contains(url, "/media/") {
			n += c
		}
	}
	return n
}

// Details returns the download details of formID as a synchronizer would
// build them for a form that is not on the device.
func (m *MockFormSource) Details(formID string) formsource.ServerFormDetails {
	m.mu.RLock()
	form := m.forms[formID]
	m.mu.RUnlock()

	details := formsource.ServerFormDetails{
		FormName:      form.Name,
		DownloadURL:   formURL(form.FormID),
		FormID:        form.FormID,
		FormVersion:   form.Version,
		Hash:          form.Hash(),
		IsNotOnDevice: true,
	}
	if form.Media != nil {
		details.ManifestURL = manifestURL(form.FormID)
		details.Manifest = buildManifest(form)
	}
	return details
}

// FetchFormList implements formsource.FormSource.
func (m *MockFormSource) FetchFormList(_ context.Context) ([]formsource.FormListItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[m.listURL()]++
	if m.listErr != nil {
		return nil, m.listErr
	}

	ids := make([]string, 0, len(m.forms))
	for id := range m.forms {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	items := make([]formsource.FormListItem, 0, len(ids))
	for _, id := range ids {
		f := m.forms[id]
		item := formsource.FormListItem{
			FormID:      f.FormID,
			Name:        f.Name,
			Version:     f.Version,
			Hash:        f.Hash(),
			DownloadURL: formURL(f.FormID),
		}
		if f.Media != nil {
			item.ManifestURL = manifestURL(f.FormID)
		}
		items = append(items, item)
	}
	return items, nil
}

// FetchManifest implements formsource.FormSource.
func (m *MockFormSource) FetchManifest(_ context.Context, url string) (*formsource.Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[url]++
	if err := m.errs[url]; err != nil {
		return nil, err
	}
	for _, f := range m.forms {
		if manifestURL(f.FormID) == url && f.Media != nil {
			return buildManifest(f), nil
		}
	}
	return nil, &formsource.Error{Kind: formsource.FetchError, URL: url, Err: ErrNotFound}
}

// FetchForm implements formsource.FormSource.
func (m *MockFormSource) FetchForm(ctx context.Context, url string) (io.ReadCloser, error) {
	return m.fetch(ctx, url)
}

// FetchMediaFile implements formsource.FormSource.
func (m *MockFormSource) FetchMediaFile(ctx context.Context, url string) (io.ReadCloser, error) {
	return m.fetch(ctx, url)
}

func (m *MockFormSource) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	m.mu.Lock()
	m.calls[url]++
	err := m.errs[url]
	hook := m.OnFetch
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if hook != nil {
		if rc, err := hook(ctx, url); rc != nil || err != nil {
			return rc, err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.forms {
		if formURL(f.FormID) == url {
			return io.NopCloser(strings.NewReader(f.XML)), nil
		}
		for name, content := range f.Media {
			if mediaURL(f.FormID, name) == url {
				return io.NopCloser(strings.NewReader(content)), nil
			}
		}
	}
	return nil, &formsource.Error{Kind: formsource.FetchError, URL: url, Err: ErrNotFound}
}

func buildManifest(f ServerForm) *formsource.Manifest {
	names := make([]string, 0, len(f.Media))
	for name := range f.Media {
		names = append(names, name)
	}
	sort.Strings(names)

	manifest := &formsource.Manifest{Files: make([]formsource.MediaFile, 0, len(names))}
	for _, name := range names {
		mf := formsource.MediaFile{
			Filename:    name,
			DownloadURL: mediaURL(f.FormID, name),
		}
		if !f.UnhashedMedia {
			mf.Hash = MD5(f.Media[name])
		}
		manifest.Files = append(manifest.Files, mf)
	}
	return manifest
}
