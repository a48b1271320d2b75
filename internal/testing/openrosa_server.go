package testing

import (
	"crypto/md5" //nolint:gosec // OpenRosa identifies files by MD5
	"encoding/hex"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"time"
)

// ServerForm is a form published by the mock OpenRosa server.
type ServerForm struct {
	FormID  string
	Name    string
	Version string
	XML     string
	// Media maps attachment file names to their content. A nil map means
	// the form has no manifest.
	Media map[string]string
	// UnhashedMedia leaves the hash out of every manifest entry.
	UnhashedMedia bool
}

// Hash returns the MD5 of the form definition.
func (f ServerForm) Hash() string {
	return MD5(f.XML)
}

// MD5 returns the hex MD5 of content.
func MD5(content string) string {
	sum := md5.Sum([]byte(content)) //nolint:gosec // OpenRosa identifies files by MD5
	return hex.EncodeToString(sum[:])
}

// Submission is an instance received by the mock OpenRosa server.
type Submission struct {
	Files     map[string]string
	Timestamp time.Time
}

// OpenRosaServer is a mock OpenRosa form server for testing.
type OpenRosaServer struct {
	*httptest.Server

	mu          sync.RWMutex
	forms       map[string]ServerForm
	requests    map[string]int
	submissions []Submission
	username    string
	password    string
	status      map[string]int
}

// NewOpenRosaServer creates a new mock OpenRosa server.
func NewOpenRosaServer() *OpenRosaServer {
	s := &OpenRosaServer{
		forms:    make(map[string]ServerForm),
		requests: make(map[string]int),
		status:   make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /formList", s.handleFormList)
	mux.HandleFunc("GET /forms/{id}/form.xml", s.handleForm)
	mux.HandleFunc("GET /forms/{id}/manifest", s.handleManifest)
	mux.HandleFunc("GET /forms/{id}/media/{name}", s.handleMedia)
	mux.HandleFunc("POST /submission", s.handleSubmission)

	s.Server = httptest.NewServer(s.middleware(mux))
	return s
}

// RequireAuth makes every endpoint demand HTTP basic auth.
func (s *OpenRosaServer) RequireAuth(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username, s.password = username, password
}

// SetStatus forces path to answer with status. Zero restores normal behavior.
func (s *OpenRosaServer) SetStatus(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.status, path)
		return
	}
	s.status[path] = status
}

// AddForm publishes form, replacing any form with the same id.
func (s *OpenRosaServer) AddForm(form ServerForm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forms[form.FormID] = form
}

// RemoveForm unpublishes the form with formID.
func (s *OpenRosaServer) RemoveForm(formID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.forms, formID)
}

// RequestCount returns how often path was requested.
func (s *OpenRosaServer) RequestCount(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requests[path]
}

// Submissions returns all received submissions.
func (s *OpenRosaServer) Submissions() []Submission {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Submission, len(s.submissions))
	copy(result, s.submissions)
	return result
}

// Reset clears recorded requests and submissions.
func (s *OpenRosaServer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = make(map[string]int)
	s.submissions = nil
}

func (s *OpenRosaServer) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.URL.Path]++
		username, password := s.username, s.password
		status := s.status[r.URL.Path]
		s.mu.Unlock()

		w.Header().Set("X-OpenRosa-Version", "1.0")

		if username != "" {
			u, p, ok := r.BasicAuth()
			if !ok || u != username || p != password {
				w.Header().Set("WWW-Authenticate", `Basic realm="openrosa"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type openRosaXForm struct {
	FormID      string `xml:"formID"`
	Name        string `xml:"name"`
	Version     string `xml:"version,omitempty"`
	Hash        string `xml:"hash"`
	DownloadURL string `xml:"downloadUrl"`
	ManifestURL string `xml:"manifestUrl,omitempty"`
}

type openRosaXForms struct {
	XMLName xml.Name        `xml:"http://openrosa.org/xforms/xformsList xforms"`
	XForms  []openRosaXForm `xml:"xform"`
}

type openRosaMediaFile struct {
	Filename    string `xml:"filename"`
	Hash        string `xml:"hash"`
	DownloadURL string `xml:"downloadUrl"`
}

type openRosaManifest struct {
	XMLName    xml.Name            `xml:"http://openrosa.org/xforms/xformsManifest manifest"`
	MediaFiles []openRosaMediaFile `xml:"mediaFile"`
}

// handleFormList handles GET /formList.
func (s *OpenRosaServer) handleFormList(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.forms))
	for id := range s.forms {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	list := openRosaXForms{}
	for _, id := range ids {
		f := s.forms[id]
		entry := openRosaXForm{
			FormID:      f.FormID,
			Name:        f.Name,
			Version:     f.Version,
			Hash:        "md5:" + f.Hash(),
			DownloadURL: s.URL + "/forms/" + f.FormID + "/form.xml",
		}
		if f.Media != nil {
			entry.ManifestURL = s.URL + "/forms/" + f.FormID + "/manifest"
		}
		list.XForms = append(list.XForms, entry)
	}
	s.mu.RUnlock()

	writeXML(w, list)
}

// handleForm handles GET /forms/{id}/form.xml.
func (s *OpenRosaServer) handleForm(w http.ResponseWriter, r *http.Request) {
	form, ok := s.form(r.PathValue("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = io.WriteString(w, form.XML)
}

// handleManifest handles GET /forms/{id}/manifest.
func (s *OpenRosaServer) handleManifest(w http.ResponseWriter, r *http.Request) {
	form, ok := s.form(r.PathValue("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	names := make([]string, 0, len(form.Media))
	for name := range form.Media {
		names = append(names, name)
	}
	sort.Strings(names)

	manifest := openRosaManifest{}
	for _, name := range names {
		manifest.MediaFiles = append(manifest.MediaFiles, openRosaMediaFile{
			Filename:    name,
			Hash:        "md5:" + MD5(form.Media[name]),
			DownloadURL: s.URL + "/forms/" + form.FormID + "/media/" + name,
		})
	}

	writeXML(w, manifest)
}

// handleMedia handles GET /forms/{id}/media/{name}.
func (s *OpenRosaServer) handleMedia(w http.ResponseWriter, r *http.Request) {
	form, ok := s.form(r.PathValue("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	content, ok := form.Media[r.PathValue("name")]
	if !ok {
		http.NotFound(w, r)
		return
	}

	_, _ = io.WriteString(w, content)
}

// handleSubmission handles POST /submission.
func (s *OpenRosaServer) handleSubmission(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid submission", http.StatusBadRequest)
		return
	}

	sub := Submission{Files: map[string]string{}, Timestamp: time.Now()}
	for field, headers := range r.MultipartForm.File {
		for _, h := range headers {
			f, err := h.Open()
			if err != nil {
				http.Error(w, "invalid submission", http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(f)
			_ = f.Close()
			sub.Files[field] = string(data)
		}
	}
	if _, ok := sub.Files["xml_submission_file"]; !ok {
		http.Error(w, "missing xml_submission_file", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.submissions = append(s.submissions, sub)
	s.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
}

func (s *OpenRosaServer) form(id string) (ServerForm, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.forms[id]
	return f, ok
}

func writeXML(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(v)
}
