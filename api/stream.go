package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/camgate/backend/services"
)

type StreamHandler struct {
	manager  *services.Manager
	archiver *services.Archiver
	hls      *services.HLSStreamer
}

func NewStreamHandler(manager *services.Manager, archiver *services.Archiver, hls *services.HLSStreamer) *StreamHandler {
	return &StreamHandler{manager: manager, archiver: archiver, hls: hls}
}

func (h *StreamHandler) LiveLow(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, services.ModeLiveLow)
}

func (h *StreamHandler) LiveHigh(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, services.ModeLiveHigh)
}

func (h *StreamHandler) History(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, services.ModeHistorical)
}

func (h *StreamHandler) EventClip(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, services.ModeEventClip)
}

// stream pipes one encoder into the response. The encoder is stopped when the
// client goes away, and headers are only sent once it produced output, so a
// failure before that is still reported as JSON.
func (h *StreamHandler) stream(w http.ResponseWriter, r *http.Request, mode services.Mode) {
	channelID := chi.URLParam(r, "channelId")

	var tr *services.TimeRange
	if mode.Ranged() {
		parsed, err := parseRange(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		tr = &parsed
	}

	sess, err := h.manager.Prepare(r.Context(), channelID, mode, tr)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := newFirstByteWriter(w)
	handle, err := h.manager.Start(r.Context(), sess, out)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer h.manager.Cancel(handle)

	err = handle.Wait()
	switch {
	case err == nil && out.Started():
		return
	case err == nil:
		writeError(w, r, fmt.Errorf("%w: encoder produced no output", services.ErrEncoderLaunch))
	case errors.Is(err, context.Canceled):
		if r.Context().Err() == nil && !out.Started() {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "stream stopped"})
		}
	case out.Started():
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("session_id", sess.ID).Msg("stream aborted")
		panic(http.ErrAbortHandler)
	default:
		writeError(w, r, err)
	}
}

// Save writes the range to the archive and serves the finished file. An
// archive that already exists is served without encoding again.
func (h *StreamHandler) Save(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelId")
	if err := services.ValidateChannelID(channelID); err != nil {
		writeError(w, r, err)
		return
	}
	tr, err := parseRange(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	path, ok := h.archiver.Existing(channelID, tr)
	if !ok {
		sess, err := h.manager.Prepare(r.Context(), channelID, services.ModeArchive, &tr)
		if err != nil {
			writeError(w, r, err)
			return
		}
		path, err = h.archiver.Save(r.Context(), sess)
		if err != nil {
			if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
				return
			}
			writeError(w, r, err)
			return
		}
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}

// HLS makes sure a segment set exists for the range and redirects to its
// playlist.
func (h *StreamHandler) HLS(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelId")
	if err := services.ValidateChannelID(channelID); err != nil {
		writeError(w, r, err)
		return
	}
	tr, err := parseRange(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	key := h.hls.Key(channelID, tr)
	if !h.hls.Ready(key) {
		sess, err := h.manager.Prepare(r.Context(), channelID, services.ModeHLS, &tr)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if key, err = h.hls.Ensure(r.Context(), sess); err != nil {
			writeError(w, r, err)
			return
		}
	}

	http.Redirect(w, r, fmt.Sprintf("/video/%s/hls/%s/index.m3u8", channelID, key), http.StatusFound)
}

// HLSFile serves a playlist or segment of a segment set.
func (h *StreamHandler) HLSFile(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelId")
	key := chi.URLParam(r, "key")
	name := chi.URLParam(r, "file")

	if !strings.HasPrefix(key, channelID+"_") {
		http.NotFound(w, r)
		return
	}
	path, err := h.hls.File(key, name)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	switch filepath.Ext(name) {
	case ".m3u8":
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	case ".ts":
		w.Header().Set("Content-Type", "video/mp2t")
	}
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, path)
}

// Stop cancels every stream of a channel, used by the UI when a preview
// closes.
func (h *StreamHandler) Stop(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelId")
	if err := services.ValidateChannelID(channelID); err != nil {
		writeError(w, r, err)
		return
	}
	n := h.manager.CancelChannel(channelID)
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped", "sessions": n})
}

func (h *StreamHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Active())
}

func parseRange(r *http.Request) (services.TimeRange, error) {
	q := r.URL.Query()
	return services.ParseTimeRange(q.Get("startTime"), q.Get("endTime"))
}

// firstByteWriter sends the streaming headers on the first encoder write and
// flushes after every write.
type firstByteWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started atomic.Bool
}

func newFirstByteWriter(w http.ResponseWriter) *firstByteWriter {
	f, _ := w.(http.Flusher)
	return &firstByteWriter{w: w, flusher: f}
}

func (f *firstByteWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if !f.started.Load() {
		h := f.w.Header()
		h.Set("Content-Type", "video/mp4")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		f.w.WriteHeader(http.StatusOK)
		f.started.Store(true)
	}
	n, err := f.w.Write(p)
	if f.flusher != nil {
		f.flusher.Flush()
	}
	return n, err
}

func (f *firstByteWriter) Started() bool {
	return f.started.Load()
}
