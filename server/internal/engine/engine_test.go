package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/asaskevich/EventBus"
	"github.com/snapload/snapload/server/internal/progress"
	"github.com/snapload/snapload/server/internal/resolver"
	"github.com/snapload/snapload/server/internal/session"
)

type fakeTracker struct {
	storage map[string]string
	deleted []string
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{storage: make(map[string]string)}
}

func (f *fakeTracker) RegisterStorage(id, path, storageType string, size int64) error {
	f.storage[id] = path
	return nil
}

func (f *fakeTracker) MarkFileDeleted(id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeResolver struct {
	meta        *resolver.Metadata
	resolveErr  error
	payload     []byte
	downloadErr error
}

func (f *fakeResolver) Resolve(ctx context.Context, url, platform string) (*resolver.Metadata, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return f.meta, nil
}

func (f *fakeResolver) Download(ctx context.Context, req resolver.DownloadRequest, onProgress func(resolver.Event)) (string, error) {
	if f.downloadErr != nil {
		return "", f.downloadErr
	}

	if onProgress != nil {
		onProgress(resolver.Event{Kind: resolver.EventDownloading, Downloaded: int64(len(f.payload)), Total: int64(len(f.payload))})
		onProgress(resolver.Event{Kind: resolver.EventFinished})
	}

	path := filepath.Join(req.Dir, "video.mp4")
	return path, os.WriteFile(path, f.payload, 0644)
}

func newTestEngine(t *testing.T, res resolver.Resolver, maxBytes int64) (*Engine, *progress.Store, *fakeTracker, string) {
	t.Helper()

	store := progress.NewStore()
	tracker := newFakeTracker()
	tempRoot := t.TempDir()

	return New(store, EventBus.New(), tracker, res, maxBytes, tempRoot), store, tracker, tempRoot
}

func bodyHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})
}

func statusHandler(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	})
}

func TestFetchDelegatedStreamsAndCleansUp(t *testing.T) {
	payload := []byte(strings.Repeat("v", 2048))
	e, store, tracker, tempRoot := newTestEngine(t, &fakeResolver{payload: payload}, 0)

	rec := httptest.NewRecorder()
	err := e.Fetch(context.Background(), rec, "s1", session.Payload{
		SourceURL: "https://example.com/watch",
		FormatID:  "best",
		Filename:  "clip.mp4",
	})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	if got := rec.Body.Len(); got != len(payload) {
		t.Errorf("streamed %d bytes, expected %d", got, len(payload))
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename="clip.mp4"` {
		t.Errorf("Content-Disposition = %q", cd)
	}

	if _, ok := store.Get("s1"); ok {
		t.Error("expected progress entry removed after completion")
	}

	entries, _ := os.ReadDir(tempRoot)
	if len(entries) != 0 {
		t.Errorf("expected temp root emptied, found %d entries", len(entries))
	}

	if len(tracker.deleted) != 1 || tracker.deleted[0] != "s1" {
		t.Errorf("expected task settled for s1, got %v", tracker.deleted)
	}
}

func TestFetchDirectStreamsFile(t *testing.T) {
	body := strings.Repeat("x", 3*chunkSize/2)
	srv := httptest.NewServer(bodyHandler(body))
	defer srv.Close()

	e, store, _, tempRoot := newTestEngine(t, &fakeResolver{}, 0)
	e.urlSafe = func(string) bool { return true }

	rec := httptest.NewRecorder()
	err := e.Fetch(context.Background(), rec, "s2", session.Payload{
		DirectURL: srv.URL + "/v.mp4",
		Filename:  "direct.mp4",
	})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	if rec.Body.Len() != len(body) {
		t.Errorf("streamed %d bytes, expected %d", rec.Body.Len(), len(body))
	}

	entries, _ := os.ReadDir(tempRoot)
	if len(entries) != 0 {
		t.Errorf("expected temp root emptied, found %d entries", len(entries))
	}
	if _, ok := store.Get("s2"); ok {
		t.Error("expected progress entry removed after completion")
	}
}

func TestFetchDirectSizeCeiling(t *testing.T) {
	body := strings.Repeat("x", 4096)
	srv := httptest.NewServer(bodyHandler(body))
	defer srv.Close()

	e, store, _, tempRoot := newTestEngine(t, &fakeResolver{}, 1024)
	e.urlSafe = func(string) bool { return true }

	rec := httptest.NewRecorder()
	err := e.Fetch(context.Background(), rec, "s3", session.Payload{
		DirectURL: srv.URL + "/v.mp4",
		Filename:  "big.mp4",
	})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("error = %v, expected ErrTooLarge", err)
	}

	entries, _ := os.ReadDir(tempRoot)
	if len(entries) != 0 {
		t.Errorf("expected no temp leftovers after size abort, found %d", len(entries))
	}
	if _, ok := store.Get("s3"); ok {
		t.Error("expected progress entry removed after failure")
	}
}

func TestFetchDirectUpstreamError(t *testing.T) {
	srv := httptest.NewServer(statusHandler(http.StatusForbidden))
	defer srv.Close()

	e, _, _, tempRoot := newTestEngine(t, &fakeResolver{}, 0)
	e.urlSafe = func(string) bool { return true }

	rec := httptest.NewRecorder()
	err := e.Fetch(context.Background(), rec, "s4", session.Payload{
		DirectURL: srv.URL + "/v.mp4",
	})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("error = %v, expected ErrUpstream", err)
	}

	entries, _ := os.ReadDir(tempRoot)
	if len(entries) != 0 {
		t.Errorf("expected no partial file left behind, found %d entries", len(entries))
	}
}

func TestFetchRejectsUnsafeDirectURL(t *testing.T) {
	e, _, _, _ := newTestEngine(t, &fakeResolver{}, 0)

	rec := httptest.NewRecorder()
	err := e.Fetch(context.Background(), rec, "s5", session.Payload{
		DirectURL: "http://127.0.0.1:9/v.mp4",
	})
	if !errors.Is(err, ErrUnsafeURL) {
		t.Fatalf("error = %v, expected ErrUnsafeURL", err)
	}
}

func TestProxyRejectsUnsafeURL(t *testing.T) {
	e, _, _, _ := newTestEngine(t, &fakeResolver{}, 0)

	rec := httptest.NewRecorder()
	err := e.Proxy(context.Background(), rec, session.Payload{
		DirectURL: "ftp://example.com/x",
	})
	if !errors.Is(err, ErrUnsafeURL) {
		t.Fatalf("error = %v, expected ErrUnsafeURL", err)
	}
}

func TestProxyStreamsAttachment(t *testing.T) {
	body := "proxied bytes"
	srv := httptest.NewServer(bodyHandler(body))
	defer srv.Close()

	e, _, _, _ := newTestEngine(t, &fakeResolver{}, 0)
	e.urlSafe = func(string) bool { return true }

	rec := httptest.NewRecorder()
	err := e.Proxy(context.Background(), rec, session.Payload{
		DirectURL: srv.URL + "/v.mp4",
		Filename:  "pass.mp4",
	})
	if err != nil {
		t.Fatalf("proxy failed: %v", err)
	}

	if rec.Body.String() != body {
		t.Errorf("body = %q, expected %q", rec.Body.String(), body)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename="pass.mp4"` {
		t.Errorf("Content-Disposition = %q", cd)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"clip.mp4", "clip.mp4"},
		{`bad<>:"/\|?*.mp4`, "bad.mp4"},
		{"   ", "video.mp4"},
		{"", "video.mp4"},
	}

	for _, test := range tests {
		if got := sanitizeFilename(test.in); got != test.expected {
			t.Errorf("sanitizeFilename(%q) = %q, expected %q", test.in, got, test.expected)
		}
	}
}
