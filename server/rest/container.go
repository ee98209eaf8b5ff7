package rest

import (
	"github.com/go-chi/chi/v5"
	"github.com/snapload/snapload/server/internal/engine"
	"github.com/snapload/snapload/server/internal/progress"
	"github.com/snapload/snapload/server/internal/resolver"
	"github.com/snapload/snapload/server/internal/session"
	"github.com/snapload/snapload/server/internal/sweeper"
	"github.com/snapload/snapload/server/tasks"
)

type ContainerArgs struct {
	Store      *progress.Store
	Sessions   *session.Registry
	Tasks      *tasks.Repository
	Engine     *engine.Engine
	Resolver   resolver.Resolver
	Sweeper    *sweeper.Sweeper
	ImageHosts []string
}

func ApplyRouter(args *ContainerArgs) func(chi.Router) {
	h := ProvideHandler(ProvideService(args))

	return func(r chi.Router) {
		r.Post("/download", h.Download())
		r.Post("/get-download-url", h.GetDownloadURL())
		r.Get("/force-download/{id}", h.ForceDownload())
		r.Post("/proxy-download", h.ProxyDownload())
		r.Get("/proxy-download", h.ProxyDownload())
		r.Get("/download-progress/{id}", h.Progress())
		r.Get("/proxy-image", h.ProxyImage())
	}
}
