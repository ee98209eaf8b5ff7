// Package resolver is the boundary to the external metadata/format
// capability. The core only consumes format URLs, format ids and the
// delegated download operation; everything platform specific stays
// behind this interface.
package resolver

import "context"

// Format is one downloadable rendition of a video.
type Format struct {
	Quality    string `json:"quality"`
	Type       string `json:"type"`
	Resolution string `json:"resolution"`
	Ext        string `json:"ext"`
	Filesize   string `json:"filesize"`
	URL        string `json:"url"`
	FormatID   string `json:"format_id"`
	Height     int    `json:"height,omitempty"`
	Bitrate    int    `json:"bitrate,omitempty"`
}

type Metadata struct {
	Title     string   `json:"title"`
	Thumbnail string   `json:"thumbnail,omitempty"`
	Duration  string   `json:"duration,omitempty"`
	Uploader  string   `json:"uploader,omitempty"`
	Formats   []Format `json:"formats"`
}

// ResolveError is a structured extraction failure (geo blocking and the
// like) that the REST layer forwards verbatim to the client.
type ResolveError struct {
	Message string
	Type    string
}

func (e *ResolveError) Error() string { return e.Message }

// EventKind enumerates delegated-download progress callbacks.
type EventKind string

const (
	EventDownloading EventKind = "downloading"
	EventFinished    EventKind = "finished"
)

// Event is a progress callback payload from a delegated download.
type Event struct {
	Kind       EventKind
	Downloaded int64
	Total      int64
}

// DownloadRequest asks the resolver to fetch (and merge, if the format
// is split video+audio) into Dir.
type DownloadRequest struct {
	URL      string
	FormatID string
	Dir      string
}

type Resolver interface {
	// Resolve fetches metadata and the available formats for a URL.
	Resolve(ctx context.Context, url, platform string) (*Metadata, error)

	// Download fetches the chosen format into req.Dir, reporting
	// progress through onProgress, and returns the final file path.
	Download(ctx context.Context, req DownloadRequest, onProgress func(Event)) (string, error)
}
