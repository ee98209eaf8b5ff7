package convert

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	service *Service
}

func ApplyRouter(svc *Service) func(chi.Router) {
	h := &Handler{service: svc}

	return func(r chi.Router) {
		r.Post("/", h.Convert())
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": message})
}

// Convert handles a multipart upload and streams back the converted
// file as an attachment.
func (h *Handler) Convert() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "No file provided")
			return
		}
		defer file.Close()

		target := r.FormValue("target")
		if target == "" {
			writeError(w, http.StatusBadRequest, "No target format provided")
			return
		}

		outputPath, err := h.service.Convert(r.Context(), file, header, target)
		if err != nil {
			switch {
			case errors.Is(err, ErrBadExtension):
				writeError(w, http.StatusBadRequest, "Unsupported file type")
			case errors.Is(err, ErrTooLarge):
				writeError(w, http.StatusRequestEntityTooLarge, "File too large")
			default:
				slog.Error("conversion failed",
					slog.String("filename", header.Filename),
					slog.Any("err", err),
				)
				writeError(w, http.StatusInternalServerError, "Conversion failed")
			}
			return
		}

		w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(outputPath)+`"`)
		http.ServeFile(w, r, outputPath)
	}
}
