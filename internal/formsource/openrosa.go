package formsource

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	openRosaVersionHeader = "X-OpenRosa-Version"
	openRosaVersion       = "1.0"

	defaultHTTPTimeout = 30 * time.Second

	// Form list and manifest documents are small; cap what we parse.
	maxDocumentSize = 16 << 20
)

// Option is a functional option for configuring the client.
type Option func(*OpenRosaClient)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *OpenRosaClient) {
		c.logger = logger
	}
}

// WithCredentials sets HTTP basic auth credentials.
func WithCredentials(username, password string) Option {
	return func(c *OpenRosaClient) {
		c.username = username
		c.password = password
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *OpenRosaClient) {
		c.httpClient = client
	}
}

// WithTimeout sets the timeout of the default HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *OpenRosaClient) {
		c.httpClient.Timeout = timeout
	}
}

// OpenRosaClient is a FormSource for servers speaking the OpenRosa form
// list and submission APIs.
type OpenRosaClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewOpenRosaClient creates a client for the server at baseURL.
func NewOpenRosaClient(baseURL string, opts ...Option) *OpenRosaClient {
	c := &OpenRosaClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		logger:     zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BaseURL returns the server address.
func (c *OpenRosaClient) BaseURL() string {
	return c.baseURL
}

type xformsList struct {
	XForms []struct {
		FormID      string `xml:"formID"`
		Name        string `xml:"name"`
		Version     string `xml:"version"`
		Hash        string `xml:"hash"`
		DownloadURL string `xml:"downloadUrl"`
		ManifestURL string `xml:"manifestUrl"`
	} `xml:"xform"`
}

type xformsManifest struct {
	MediaFiles []struct {
		Filename    string `xml:"filename"`
		Hash        string `xml:"hash"`
		DownloadURL string `xml:"downloadUrl"`
	} `xml:"mediaFile"`
}

// FetchFormList implements FormSource.
func (c *OpenRosaClient) FetchFormList(ctx context.Context) ([]FormListItem, error) {
	url := c.baseURL + "/formList"

	var list xformsList
	if err := c.getXML(ctx, url, &list); err != nil {
		return nil, err
	}

	items := make([]FormListItem, 0, len(list.XForms))
	for _, x := range list.XForms {
		items = append(items, FormListItem{
			FormID:      strings.TrimSpace(x.FormID),
			Name:        strings.TrimSpace(x.Name),
			Version:     strings.TrimSpace(x.Version),
			Hash:        stripHashPrefix(x.Hash),
			DownloadURL: strings.TrimSpace(x.DownloadURL),
			ManifestURL: strings.TrimSpace(x.ManifestURL),
		})
	}

	c.logger.Debug().Str("url", url).Int("forms", len(items)).Msg("fetched form list")
	return items, nil
}

// FetchManifest implements FormSource.
func (c *OpenRosaClient) FetchManifest(ctx context.Context, url string) (*Manifest, error) {
	var doc xformsManifest
	if err := c.getXML(ctx, url, &doc); err != nil {
		return nil, err
	}

	manifest := &Manifest{Files: make([]MediaFile, 0, len(doc.MediaFiles))}
	for _, f := range doc.MediaFiles {
		manifest.Files = append(manifest.Files, MediaFile{
			Filename:    strings.TrimSpace(f.Filename),
			Hash:        stripHashPrefix(f.Hash),
			DownloadURL: strings.TrimSpace(f.DownloadURL),
		})
	}
	return manifest, nil
}

// FetchForm implements FormSource.
func (c *OpenRosaClient) FetchForm(ctx context.Context, url string) (io.ReadCloser, error) {
	return c.get(ctx, url)
}

// FetchMediaFile implements FormSource.
func (c *OpenRosaClient) FetchMediaFile(ctx context.Context, url string) (io.ReadCloser, error) {
	return c.get(ctx, url)
}

// SubmitInstance posts an instance file and its attachments to target, or
// to the server's submission endpoint when target is empty. Only 201 Created
// and 202 Accepted count as accepted; any other 2xx usually comes from a
// proxy or login page.
func (c *OpenRosaClient) SubmitInstance(ctx context.Context, target, instanceFile string, attachments []string) error {
	url := target
	if url == "" {
		url = c.baseURL + "/submission"
	}

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	if err := addFilePart(mw, "xml_submission_file", instanceFile); err != nil {
		return err
	}
	for _, a := range attachments {
		if err := addFilePart(mw, filepath.Base(a), a); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to build submission: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentSize))

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return &Error{Kind: FetchError, URL: url, Err: fmt.Errorf("submission not accepted: %s", resp.Status)}
	}

	c.logger.Debug().Str("file", instanceFile).Str("url", url).Int("status", resp.StatusCode).Msg("submitted instance")
	return nil
}

func addFilePart(mw *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	part, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to build submission: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}

func (c *OpenRosaClient) getXML(ctx context.Context, url string, v any) error {
	body, err := c.get(ctx, url)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := xml.NewDecoder(io.LimitReader(body, maxDocumentSize)).Decode(v); err != nil {
		return &Error{Kind: ParseError, URL: url, Err: err}
	}
	return nil
}

func (c *OpenRosaClient) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *OpenRosaClient) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &Error{Kind: FetchError, URL: url, Err: err}
	}

	req.Header.Set(openRosaVersionHeader, openRosaVersion)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

// do sends req and maps failures onto error kinds. On success the caller
// owns the response body.
func (c *OpenRosaClient) do(req *http.Request) (*http.Response, error) {
	url := req.URL.String()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if isCertificateError(err) {
			return nil, &Error{Kind: SecurityError, URL: url, Err: err}
		}
		return nil, &Error{Kind: Unreachable, URL: url, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentSize))
	resp.Body.Close()

	status := fmt.Errorf("unexpected status %s", resp.Status)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &Error{Kind: AuthRequired, URL: url, Err: status}
	case resp.StatusCode >= 500:
		return nil, &Error{Kind: ServerError, URL: url, StatusCode: resp.StatusCode, Err: status}
	default:
		return nil, &Error{Kind: FetchError, URL: url, Err: status}
	}
}

func isCertificateError(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		invalid          x509.CertificateInvalidError
		hostname         x509.HostnameError
		verification     *tls.CertificateVerificationError
		header           tls.RecordHeaderError
	)
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &invalid) ||
		errors.As(err, &hostname) ||
		errors.As(err, &verification) ||
		errors.As(err, &header)
}

func stripHashPrefix(hash string) string {
	hash = strings.TrimSpace(hash)
	return strings.TrimPrefix(hash, "md5:")
}
