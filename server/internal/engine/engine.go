// Package engine performs the actual byte transfer of a download
// session: fetching from a direct URL or through the delegated
// resolver, emitting progress, streaming the result to the client and
// guaranteeing temp-file cleanup on every exit path.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/snapload/snapload/server/internal/platform"
	"github.com/snapload/snapload/server/internal/progress"
	"github.com/snapload/snapload/server/internal/resolver"
	"github.com/snapload/snapload/server/internal/safeurl"
	"github.com/snapload/snapload/server/internal/session"
)

const chunkSize = 512 * 1024

// Tracker is the slice of the task repository the engine needs to
// record where temporary artifacts live.
type Tracker interface {
	RegisterStorage(sessionID, path, storageType string, fileSize int64) error
	MarkFileDeleted(sessionID string) error
}

type Engine struct {
	store    *progress.Store
	bus      EventBus.Bus
	tracker  Tracker
	resolver resolver.Resolver
	client   *http.Client
	maxBytes int64
	tempRoot string
	urlSafe  func(string) bool
}

func New(
	store *progress.Store,
	bus EventBus.Bus,
	tracker Tracker,
	res resolver.Resolver,
	maxBytes int64,
	tempRoot string,
) *Engine {
	return &Engine{
		store:    store,
		bus:      bus,
		tracker:  tracker,
		resolver: res,
		client:   &http.Client{Timeout: 30 * time.Minute},
		maxBytes: maxBytes,
		tempRoot: tempRoot,
		urlSafe: func(u string) bool {
			return safeurl.IsSafePublicURL(u, nil)
		},
	}
}

func (e *Engine) update(id string, snap progress.Snapshot) {
	e.store.Set(id, snap)
	if e.bus != nil {
		e.bus.Publish(progress.TopicProgress, progress.Update{SessionID: id, Snapshot: snap})
	}
}

// refresh re-resolves the byte source for platforms whose URLs expire
// quickly, preferring the originally chosen format and falling back to
// the first available one. Works on a copy: the stored session payload
// is never mutated. A failing re-resolution keeps the original URL;
// the subsequent fetch reports any staleness normally.
func (e *Engine) refresh(ctx context.Context, p session.Payload) session.Payload {
	caps := platform.Lookup(p.Platform)
	if !caps.RefreshBeforeFetch || p.SourceURL == "" {
		return p
	}

	slog.Info("refreshing expiring source URL",
		slog.String("platform", p.Platform),
		slog.String("format", p.FormatID),
	)

	meta, err := e.resolver.Resolve(ctx, p.SourceURL, p.Platform)
	if err != nil || len(meta.Formats) == 0 {
		slog.Warn("failed to refresh source URL, using original",
			slog.String("platform", p.Platform),
			slog.Any("err", err),
		)
		return p
	}

	fresh := p
	fresh.DirectURL = meta.Formats[0].URL

	for _, f := range meta.Formats {
		if f.FormatID == p.FormatID {
			fresh.DirectURL = f.URL
			return fresh
		}
	}

	slog.Warn("chosen format vanished on refresh, using first available",
		slog.String("format", p.FormatID),
	)
	return fresh
}

func (e *Engine) open(ctx context.Context, p session.Payload) (*http.Response, error) {
	if !e.urlSafe(p.DirectURL) {
		return nil, ErrUnsafeURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.DirectURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	for k, v := range platform.Lookup(p.Platform).FetchHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: HTTP %d", ErrUpstream, resp.StatusCode)
	}

	if e.maxBytes > 0 && resp.ContentLength > e.maxBytes {
		resp.Body.Close()
		return nil, ErrTooLarge
	}

	return resp, nil
}

// Proxy streams an already-resolved URL straight through to the client
// as a forced download, without staging a temp file.
func (e *Engine) Proxy(ctx context.Context, w http.ResponseWriter, p session.Payload) error {
	p = e.refresh(ctx, p)

	resp, err := e.open(ctx, p)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", attachment(p.Filename))
	w.Header().Set("Accept-Ranges", "bytes")
	if resp.ContentLength > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}

	if _, err := io.CopyBuffer(w, resp.Body, make([]byte, chunkSize)); err != nil {
		// client disconnects land here; nothing left to clean up
		slog.Warn("streaming interrupted", slog.String("err", err.Error()))
	}

	return nil
}

// Fetch runs a full tracked transfer: download to a session-owned temp
// directory (direct or delegated mode) with progress updates, then
// stream the file to the client. Cleanup of the temp artifacts, the
// progress entry and the task record runs on every exit path.
func (e *Engine) Fetch(ctx context.Context, w http.ResponseWriter, id string, p session.Payload) (err error) {
	e.update(id, progress.Snapshot{
		Status:  progress.StatusStarting,
		Message: "Starting download...",
	})

	dir, mkErr := os.MkdirTemp(e.tempRoot, "dl-")
	if mkErr != nil {
		e.fail(id, "could not allocate temporary storage")
		e.store.Delete(id)
		return mkErr
	}

	defer func() {
		e.cleanup(id, dir)
		if err == nil {
			if settleErr := e.tracker.MarkFileDeleted(id); settleErr != nil {
				slog.Debug("task settle failed", slog.String("id", id), slog.Any("err", settleErr))
			}
		}
	}()

	var path string
	if p.DirectURL != "" {
		path, err = e.fetchDirect(ctx, id, p, dir)
	} else {
		path, err = e.fetchDelegated(ctx, id, p, dir)
	}
	if err != nil {
		e.fail(id, err.Error())
		return err
	}

	return e.serve(w, id, p, path)
}

func (e *Engine) fetchDirect(ctx context.Context, id string, p session.Payload, dir string) (string, error) {
	p = e.refresh(ctx, p)

	e.update(id, progress.Snapshot{
		Status:  progress.StatusDownloading,
		Message: "Downloading video...",
		Percent: 10,
	})

	resp, err := e.open(ctx, p)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	path := filepath.Join(dir, sanitizeFilename(p.Filename))
	if err := e.tracker.RegisterStorage(id, path, "temp", resp.ContentLength); err != nil {
		slog.Debug("storage tracking failed", slog.String("id", id), slog.Any("err", err))
	}

	fd, err := os.Create(path)
	if err != nil {
		return "", err
	}

	var (
		downloaded int64
		total      = resp.ContentLength
		buf        = make([]byte, chunkSize)
	)

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := fd.Write(buf[:n]); writeErr != nil {
				fd.Close()
				return "", writeErr
			}

			downloaded += int64(n)
			if e.maxBytes > 0 && downloaded > e.maxBytes {
				fd.Close()
				return "", ErrTooLarge
			}

			snap := progress.Snapshot{
				Status:     progress.StatusDownloading,
				Message:    "Downloading video...",
				Downloaded: downloaded,
			}
			if total > 0 {
				snap.Total = total
				snap.Percent = float64(downloaded) / float64(total) * 100
			}
			e.update(id, snap)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			fd.Close()
			return "", fmt.Errorf("%w: %v", ErrUpstream, readErr)
		}
	}

	if err := fd.Close(); err != nil {
		return "", err
	}

	return path, nil
}

func (e *Engine) fetchDelegated(ctx context.Context, id string, p session.Payload, dir string) (string, error) {
	e.update(id, progress.Snapshot{
		Status:  progress.StatusExtracting,
		Message: "Fetching video information...",
		Percent: 5,
	})

	if err := e.tracker.RegisterStorage(id, dir, "temp", 0); err != nil {
		slog.Debug("storage tracking failed", slog.String("id", id), slog.Any("err", err))
	}

	path, err := e.resolver.Download(ctx, resolver.DownloadRequest{
		URL:      p.SourceURL,
		FormatID: p.FormatID,
		Dir:      dir,
	}, func(ev resolver.Event) {
		switch ev.Kind {
		case resolver.EventDownloading:
			snap := progress.Snapshot{
				Status:     progress.StatusDownloading,
				Message:    "Downloading video...",
				Downloaded: ev.Downloaded,
			}
			if ev.Total > 0 {
				snap.Total = ev.Total
				snap.Percent = float64(ev.Downloaded) / float64(ev.Total) * 100
			}
			e.update(id, snap)
		case resolver.EventFinished:
			e.update(id, progress.Snapshot{
				Status:  progress.StatusProcessing,
				Message: "Processing video...",
				Percent: 95,
			})
		}
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	if info, statErr := os.Stat(path); statErr == nil {
		e.tracker.RegisterStorage(id, path, "temp", info.Size())
	}

	return path, nil
}

func (e *Engine) serve(w http.ResponseWriter, id string, p session.Payload, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		e.fail(id, "downloaded file disappeared")
		return err
	}

	e.update(id, progress.Snapshot{
		Status:  progress.StatusStreaming,
		Message: "Sending file to browser...",
		Percent: 100,
	})

	fd, err := os.Open(path)
	if err != nil {
		e.fail(id, "downloaded file could not be read")
		return err
	}
	defer fd.Close()

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", attachment(p.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

	if _, err := io.CopyBuffer(w, fd, make([]byte, chunkSize)); err != nil {
		// cleanup still runs via the deferred handler in Fetch
		slog.Warn("streaming interrupted", slog.String("id", id), slog.String("err", err.Error()))
	}

	return nil
}

// fail publishes a terminal error snapshot. The bus mirror records it
// durably before the deferred cleanup drops the in-memory entry.
func (e *Engine) fail(id, message string) {
	e.update(id, progress.Snapshot{Status: progress.StatusError, Message: message})
}

// cleanup removes the session temp directory with everything the
// transfer (or a failed merge) left inside and drops the progress entry
// so the publisher stops.
func (e *Engine) cleanup(id, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		slog.Error("temp cleanup failed", slog.String("dir", dir), slog.String("err", err.Error()))
	}

	e.store.Delete(id)
}

var (
	nonASCII     = regexp.MustCompile(`[^\x00-\x7F]+`)
	invalidChars = regexp.MustCompile(`[<>:"/\\|?*]`)
)

// sanitizeFilename strips characters that are unsafe in a
// Content-Disposition header or a file path.
func sanitizeFilename(name string) string {
	name = nonASCII.ReplaceAllString(name, "")
	name = invalidChars.ReplaceAllString(name, "")
	name = strings.TrimSpace(name)
	if name == "" {
		name = "video.mp4"
	}
	return name
}

func attachment(filename string) string {
	return fmt.Sprintf("attachment; filename=%q", sanitizeFilename(filename))
}
