package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/camgate/backend/services"
)

// ArchiveHandler browses archives written by /save-video.
type ArchiveHandler struct {
	archiver *services.Archiver
}

func NewArchiveHandler(archiver *services.Archiver) *ArchiveHandler {
	return &ArchiveHandler{archiver: archiver}
}

func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.archiver.List(chi.URLParam(r, "channelId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Play serves an archive file. http.ServeFile handles Range requests, so
// players can seek.
func (h *ArchiveHandler) Play(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "file")
	path, err := h.archiver.Resolve(chi.URLParam(r, "channelId"), name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if r.URL.Query().Has("download") {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	}
	http.ServeFile(w, r, path)
}
