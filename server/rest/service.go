package rest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/snapload/snapload/server/internal/engine"
	"github.com/snapload/snapload/server/internal/platform"
	"github.com/snapload/snapload/server/internal/progress"
	"github.com/snapload/snapload/server/internal/resolver"
	"github.com/snapload/snapload/server/internal/safeurl"
	"github.com/snapload/snapload/server/internal/session"
	"github.com/snapload/snapload/server/internal/sweeper"
	"github.com/snapload/snapload/server/tasks"
)

// ErrUnsupportedPlatform reports a source URL no pattern in the
// platform table matches.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

type Service struct {
	store      *progress.Store
	sessions   *session.Registry
	tasks      *tasks.Repository
	engine     *engine.Engine
	resolver   resolver.Resolver
	sweeper    *sweeper.Sweeper
	imageHosts []string
	client     *http.Client
}

func NewService(args *ContainerArgs) *Service {
	return &Service{
		store:      args.Store,
		sessions:   args.Sessions,
		tasks:      args.Tasks,
		engine:     args.Engine,
		resolver:   args.Resolver,
		sweeper:    args.Sweeper,
		imageHosts: args.ImageHosts,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// ResolveMedia detects the platform when the client did not name one
// and fetches metadata plus the downloadable formats.
func (s *Service) ResolveMedia(ctx context.Context, url, platformName string) (*resolver.Metadata, string, error) {
	if platformName == "" {
		platformName = platform.Detect(url)
	}
	if platformName == "" {
		return nil, "", ErrUnsupportedPlatform
	}

	meta, err := s.resolver.Resolve(ctx, url, platformName)
	if err != nil {
		return nil, platformName, err
	}

	return meta, platformName, nil
}

// CreateSession registers a consume-once download session and mirrors
// it as a pending task record.
func (s *Service) CreateSession(p session.Payload) string {
	id := s.sessions.Create(p)

	if err := s.tasks.Upsert(id, tasks.Fields{
		Platform:          p.Platform,
		SourceURL:         p.SourceURL,
		DirectURL:         p.DirectURL,
		RequestedFilename: p.Filename,
		Status:            "pending",
		Message:           "Waiting for download request",
	}); err != nil {
		slog.Debug("task bootstrap failed", slog.String("id", id), slog.Any("err", err))
	}

	return id
}

// ForceDownload consumes the session and streams the source straight
// through to the client.
func (s *Service) ForceDownload(ctx context.Context, w http.ResponseWriter, id string) error {
	p, err := s.sessions.Consume(id)
	if err != nil {
		return err
	}

	slog.Info("force download",
		slog.String("id", id),
		slog.String("platform", p.Platform),
		slog.String("filename", p.Filename),
	)

	if p.DirectURL != "" {
		if err := s.engine.Proxy(ctx, w, p); err != nil {
			s.markFailed(id, err)
			return err
		}

		if err := s.tasks.MarkStatus(id, "completed", "", nil); err != nil {
			slog.Debug("task settle failed", slog.String("id", id), slog.Any("err", err))
		}
		return nil
	}

	// no direct URL: stage through the delegated downloader
	return s.engine.Fetch(ctx, w, id, p)
}

// ProxyDownload runs a tracked transfer under the id the client's
// progress stream is watching. Direct mode is reserved for platforms
// whose resolved URLs are plain files.
func (s *Service) ProxyDownload(ctx context.Context, w http.ResponseWriter, id string, p session.Payload) error {
	if id == "" {
		id = uuid.NewString()
	}

	if !platform.Lookup(p.Platform).DirectFetch {
		p.DirectURL = ""
	}

	// duplicate submissions under the same session id (double clicks,
	// browser retries) land on one registry slot; only the consume
	// winner runs the transfer, the loser gets the usual 404
	s.sessions.Put(id, p)
	stored, err := s.sessions.Consume(id)
	if err != nil {
		return err
	}
	p = stored

	if err := s.tasks.Upsert(id, tasks.Fields{
		Platform:          p.Platform,
		SourceURL:         p.SourceURL,
		DirectURL:         p.DirectURL,
		RequestedFilename: p.Filename,
	}); err != nil {
		slog.Debug("task bootstrap failed", slog.String("id", id), slog.Any("err", err))
	}

	// fetch failures surface as error snapshots and reach the task
	// record through the bus mirror
	return s.engine.Fetch(ctx, w, id, p)
}

// Progress returns the latest snapshot for the publisher loop.
func (s *Service) Progress(id string) (progress.Snapshot, bool) {
	return s.store.Get(id)
}

// FetchImage proxies an allow-listed thumbnail to bypass CORS.
func (s *Service) FetchImage(ctx context.Context, url string) (*http.Response, error) {
	if !safeurl.IsSafePublicURL(url, s.imageHosts) {
		return nil, engine.ErrUnsafeURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Referer", "https://www.instagram.com/")
	req.Header.Set("Accept", "image/webp,image/apng,image/*,*/*;q=0.8")

	return s.client.Do(req)
}

// Storage reports per-folder usage for the health endpoint.
func (s *Service) Storage() []sweeper.FolderStat {
	if s.sweeper == nil {
		return nil
	}
	return s.sweeper.Stats()
}

func (s *Service) markFailed(id string, cause error) {
	if err := s.tasks.MarkStatus(id, "error", cause.Error(), nil); err != nil {
		slog.Debug("task failure mark failed", slog.String("id", id), slog.Any("err", err))
	}
}
