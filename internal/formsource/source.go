// Package formsource talks to the server that publishes form definitions.
package formsource

import (
	"context"
	"io"
)

// FormSource fetches the remote form catalog and its files.
type FormSource interface {
	// FetchFormList returns every form the server offers.
	FetchFormList(ctx context.Context) ([]FormListItem, error)
	// FetchManifest returns the media files of one form.
	FetchManifest(ctx context.Context, url string) (*Manifest, error)
	// FetchForm opens the form definition at url.
	FetchForm(ctx context.Context, url string) (io.ReadCloser, error)
	// FetchMediaFile opens the media file at url.
	FetchMediaFile(ctx context.Context, url string) (io.ReadCloser, error)
}

// FormListItem is one entry of the server form list.
type FormListItem struct {
	FormID      string
	Name        string
	Version     string
	Hash        string // hex MD5 without the "md5:" prefix
	DownloadURL string
	ManifestURL string
}

// Manifest lists the media files attached to a form.
type Manifest struct {
	Files []MediaFile
}

// MediaFile is one attachment listed in a manifest.
type MediaFile struct {
	Filename    string
	Hash        string // hex MD5 without the "md5:" prefix
	DownloadURL string
}

// ServerFormDetails describes a remote form compared against the local catalog.
type ServerFormDetails struct {
	FormName    string
	DownloadURL string
	ManifestURL string
	FormID      string
	FormVersion string
	Hash        string
	Manifest    *Manifest

	// IsNotOnDevice is set when no local form has the same definition.
	IsNotOnDevice bool
	// IsUpdated is set when a local form with the same identity exists but its
	// definition or media differ from the server's.
	IsUpdated bool
}

// NeedsDownload reports whether the form should be downloaded.
func (d ServerFormDetails) NeedsDownload() bool {
	return d.IsNotOnDevice || d.IsUpdated
}
