package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/snapload/snapload/server/internal/engine"
	"github.com/snapload/snapload/server/internal/progress"
	"github.com/snapload/snapload/server/internal/resolver"
	"github.com/snapload/snapload/server/internal/session"
	"github.com/snapload/snapload/server/internal/sweeper"
)

type Handler struct {
	service *Service

	// publisher knobs, shortened in tests
	pollInterval time.Duration
	maxWait      time.Duration
}

func NewHandler(svc *Service) *Handler {
	return &Handler{
		service:      svc,
		pollInterval: 300 * time.Millisecond,
		maxWait:      180 * time.Second,
	}
}

type downloadRequest struct {
	URL      string `json:"url"`
	Platform string `json:"platform"`
}

type mediaResponse struct {
	Success     bool              `json:"success"`
	Platform    string            `json:"platform"`
	Title       string            `json:"title"`
	Thumbnail   string            `json:"thumbnail,omitempty"`
	Duration    string            `json:"duration,omitempty"`
	Uploader    string            `json:"uploader,omitempty"`
	OriginalURL string            `json:"original_url"`
	Formats     []resolver.Format `json:"formats"`
}

// Download resolves a source URL into metadata and format choices.
func (h *Handler) Download() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req downloadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.URL == "" {
			writeError(w, http.StatusBadRequest, "URL is required")
			return
		}

		meta, platformName, err := h.service.ResolveMedia(r.Context(), req.URL, req.Platform)
		if err != nil {
			var resolveErr *resolver.ResolveError
			switch {
			case errors.Is(err, ErrUnsupportedPlatform):
				writeError(w, http.StatusBadRequest, "Unsupported platform")
			case errors.As(err, &resolveErr):
				writeJSON(w, http.StatusBadRequest, apiError{
					Error: resolveErr.Message,
					Type:  resolveErr.Type,
				})
			default:
				slog.Error("metadata resolution failed",
					slog.String("platform", platformName),
					slog.Any("err", err),
				)
				writeError(w, http.StatusInternalServerError,
					"Failed to extract video information. Please check the URL and try again.")
			}
			return
		}

		writeJSON(w, http.StatusOK, mediaResponse{
			Success:     true,
			Platform:    platformName,
			Title:       meta.Title,
			Thumbnail:   meta.Thumbnail,
			Duration:    meta.Duration,
			Uploader:    meta.Uploader,
			OriginalURL: req.URL,
			Formats:     meta.Formats,
		})
	}
}

type downloadURLRequest struct {
	VideoURL  string `json:"video_url"`
	FormatID  string `json:"format_id"`
	Platform  string `json:"platform"`
	DirectURL string `json:"direct_url"`
	Filename  string `json:"filename"`
}

type downloadURLResponse struct {
	Success     bool   `json:"success"`
	DownloadURL string `json:"download_url"`
}

// GetDownloadURL stores a consume-once session and hands back the
// force-download link bound to it.
func (h *Handler) GetDownloadURL() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req downloadURLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.VideoURL == "" && req.DirectURL == "" {
			writeError(w, http.StatusBadRequest, "URL is required")
			return
		}
		if req.Filename == "" {
			req.Filename = "video.mp4"
		}

		id := h.service.CreateSession(session.Payload{
			SourceURL: req.VideoURL,
			DirectURL: req.DirectURL,
			FormatID:  req.FormatID,
			Filename:  req.Filename,
			Platform:  req.Platform,
		})

		writeJSON(w, http.StatusOK, downloadURLResponse{
			Success:     true,
			DownloadURL: "/api/force-download/" + id,
		})
	}
}

// ForceDownload streams the session's source as a browser attachment.
// The session is consumed on first use, so a replayed link 404s.
func (h *Handler) ForceDownload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if err := h.service.ForceDownload(r.Context(), w, id); err != nil {
			h.writeTransferError(w, id, err)
		}
	}
}

// ProxyDownload runs a tracked download under the session id the
// client's progress stream is watching. GET is kept for direct browser
// navigation, POST for scripted clients.
func (h *Handler) ProxyDownload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			VideoURL  string `json:"video_url"`
			DirectURL string `json:"direct_url"`
			FormatID  string `json:"format_id"`
			Filename  string `json:"filename"`
			SessionID string `json:"session_id"`
			Platform  string `json:"platform"`
		}

		if r.Method == http.MethodGet {
			q := r.URL.Query()
			req.VideoURL = q.Get("video_url")
			req.DirectURL = q.Get("direct_url")
			req.FormatID = q.Get("format_id")
			req.Filename = q.Get("filename")
			req.SessionID = q.Get("session_id")
			req.Platform = q.Get("platform")
		} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if req.VideoURL == "" && req.DirectURL == "" {
			writeError(w, http.StatusBadRequest, "Video URL is required")
			return
		}
		if req.Filename == "" {
			req.Filename = "video.mp4"
		}
		if req.Platform == "" {
			req.Platform = "unknown"
		}

		err := h.service.ProxyDownload(r.Context(), w, req.SessionID, session.Payload{
			SourceURL: req.VideoURL,
			DirectURL: req.DirectURL,
			FormatID:  req.FormatID,
			Filename:  req.Filename,
			Platform:  req.Platform,
		})
		if err != nil {
			h.writeTransferError(w, req.SessionID, err)
		}
	}
}

// Progress streams progress snapshots over SSE: poll the store on a
// short ticker, push only when the snapshot changed, end with a
// terminal timeout event if nothing concludes within the ceiling.
// Store-entry removal is the completion signal.
func (h *Handler) Progress() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Accel-Buffering", "no")

		ticker := time.NewTicker(h.pollInterval)
		defer ticker.Stop()

		deadline := time.NewTimer(h.maxWait)
		defer deadline.Stop()

		var last *progress.Snapshot
		for {
			select {
			case <-r.Context().Done():
				return
			case <-deadline.C:
				fmt.Fprint(w, "data: {\"status\": \"timeout\"}\n\n")
				flusher.Flush()
				return
			case <-ticker.C:
				snap, ok := h.service.Progress(id)
				if !ok {
					if last != nil {
						return
					}
					continue
				}

				if last == nil || !snap.Equal(*last) {
					data, err := json.Marshal(snap)
					if err != nil {
						continue
					}
					fmt.Fprintf(w, "data: %s\n\n", data)
					flusher.Flush()

					sent := snap
					last = &sent
				}
			}
		}
	}
}

// ProxyImage fetches an allow-listed thumbnail server side to bypass
// CORS on the hosting CDN.
func (h *Handler) ProxyImage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		imageURL := r.URL.Query().Get("url")
		if imageURL == "" {
			writeError(w, http.StatusBadRequest, "No URL provided")
			return
		}

		resp, err := h.service.FetchImage(r.Context(), imageURL)
		if err != nil {
			if errors.Is(err, engine.ErrUnsafeURL) {
				writeError(w, http.StatusBadRequest, "Invalid or unsupported image host")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			writeError(w, http.StatusInternalServerError,
				fmt.Sprintf("Failed to fetch image: %d", resp.StatusCode))
			return
		}

		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "image/jpeg"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		io.Copy(w, resp.Body)
	}
}

type healthResponse struct {
	Status  string               `json:"status"`
	Version string               `json:"version"`
	Storage []sweeper.FolderStat `json:"storage"`
}

func (h *Handler) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{
			Status:  "healthy",
			Version: "1.0.0",
			Storage: h.service.Storage(),
		})
	}
}

// writeTransferError maps transfer failures onto distinct status codes.
// When streaming already started the headers are gone; the broken body
// is the only possible signal.
func (h *Handler) writeTransferError(w http.ResponseWriter, id string, err error) {
	slog.Error("transfer failed", slog.String("id", id), slog.Any("err", err))

	switch {
	case errors.Is(err, session.ErrNotFound):
		http.Error(w, "Download session not found", http.StatusNotFound)
	case errors.Is(err, engine.ErrUnsafeURL):
		http.Error(w, "Invalid or unsafe download URL", http.StatusBadRequest)
	case errors.Is(err, engine.ErrTooLarge):
		http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
	case errors.Is(err, engine.ErrUpstream):
		http.Error(w, "Failed to download video", http.StatusBadGateway)
	default:
		http.Error(w, "Download error", http.StatusInternalServerError)
	}
}
