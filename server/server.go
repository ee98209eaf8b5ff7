package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/asaskevich/EventBus"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"golang.org/x/sync/errgroup"

	"github.com/snapload/snapload/server/config"
	"github.com/snapload/snapload/server/convert"
	"github.com/snapload/snapload/server/internal/database"
	"github.com/snapload/snapload/server/internal/engine"
	"github.com/snapload/snapload/server/internal/progress"
	"github.com/snapload/snapload/server/internal/resolver"
	"github.com/snapload/snapload/server/internal/session"
	"github.com/snapload/snapload/server/internal/sweeper"
	"github.com/snapload/snapload/server/rest"
	"github.com/snapload/snapload/server/tasks"
)

// Run wires the whole backend together and serves it until the context
// is cancelled.
func Run(ctx context.Context) error {
	conf := config.Instance()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// the working folders are app owned: everything under them is fair
	// game for the retention sweeper
	for _, dir := range []string{conf.Paths.TempPath, conf.Paths.UploadPath, conf.Paths.OutputPath} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	db, err := database.Open(conf.DatabaseFile())
	if err != nil {
		return err
	}
	defer db.Close()

	repo, err := tasks.NewRepository(db, conf.RetentionWindow())
	if err != nil {
		return err
	}

	var (
		store    = progress.NewStore()
		sessions = session.NewRegistry()
		bus      = EventBus.New()
		ytdlp    = resolver.NewYtDlp(conf.Paths.DownloaderPath)
	)

	// progress snapshots flow to the durable task mirror off the hot path
	if err := repo.SubscribeProgress(bus); err != nil {
		return err
	}

	fetchEngine := engine.New(store, bus, repo, ytdlp, conf.MaxDownloadBytes(), conf.Paths.TempPath)

	sweep := sweeper.New(
		repo,
		[]string{conf.Paths.TempPath, conf.Paths.UploadPath, conf.Paths.OutputPath},
		conf.CleanupInterval(),
		conf.CleanupMaxAge(),
		conf.Retention.Enabled,
	)
	sweep.Start(ctx)
	defer sweep.Stop()

	converterSvc := convert.NewService(
		&convert.FFmpeg{BinaryPath: conf.Paths.ConverterPath},
		repo,
		conf.Paths.UploadPath,
		conf.Paths.OutputPath,
		conf.MaxUploadBytes(),
	)

	srv := newServer(&rest.ContainerArgs{
		Store:      store,
		Sessions:   sessions,
		Tasks:      repo,
		Engine:     fetchEngine,
		Resolver:   ytdlp,
		Sweeper:    sweep,
		ImageHosts: conf.Proxy.AllowedImageHosts,
	}, converterSvc)

	var (
		network = "tcp"
		address = fmt.Sprintf("%s:%d", conf.Server.Host, conf.Server.Port)
	)

	// support unix sockets
	if strings.HasPrefix(conf.Server.Host, "/") {
		network = "unix"
		address = conf.Server.Host
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		slog.Error("failed to listen", slog.String("err", err.Error()))
		return err
	}

	slog.Info("snapload started", slog.String("address", address))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		return srv.Shutdown(context.Background())
	})

	return g.Wait()
}

func newServer(args *rest.ContainerArgs, converterSvc *convert.Service) *http.Server {
	r := chi.NewRouter()

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	r.Use(corsMiddleware.Handler)

	r.Route("/api", func(r chi.Router) {
		rest.ApplyRouter(args)(r)
		r.Route("/convert", convert.ApplyRouter(converterSvc))
	})
	r.Get("/health", rest.ProvideHandler(rest.ProvideService(args)).Health())

	return &http.Server{Handler: r}
}
