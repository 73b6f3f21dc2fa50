package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/camgate/backend/models"
	"github.com/camgate/backend/services"
)

// Device is what the camera handlers read straight from the NVR.
type Device interface {
	ListChannels(ctx context.Context) ([]models.Channel, error)
	Ping(ctx context.Context) error
}

type CamerasHandler struct {
	registry *services.CameraRegistry
	device   Device
	liveness *services.LivenessChecker
}

func NewCamerasHandler(registry *services.CameraRegistry, device Device, liveness *services.LivenessChecker) *CamerasHandler {
	return &CamerasHandler{registry: registry, device: device, liveness: liveness}
}

// DeviceList returns the NVR's channels, one per physical camera, without
// touching the local table.
func (h *CamerasHandler) DeviceList(w http.ResponseWriter, r *http.Request) {
	channels, err := h.device.ListChannels(r.Context())
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("listing device channels")
		writeJSON(w, statusFor(err), map[string]string{"status": "error", "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data":   services.DedupChannels(channels),
	})
}

func (h *CamerasHandler) List(w http.ResponseWriter, r *http.Request) {
	cameras, err := h.registry.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cameras)
}

func (h *CamerasHandler) Get(w http.ResponseWriter, r *http.Request) {
	cam, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cam)
}

// Update changes the operator alias; device-owned fields are read-only.
func (h *CamerasHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateCameraRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	cam, err := h.registry.UpdateAlias(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cam)
}

func (h *CamerasHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *CamerasHandler) Sync(w http.ResponseWriter, r *http.Request) {
	report, err := h.registry.Sync(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *CamerasHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.registry.Get(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	report, err := h.liveness.Check(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Health reports NVR reachability and the last registry sync.
func (h *CamerasHandler) Health(w http.ResponseWriter, r *http.Request) {
	nvr := "ok"
	if err := h.device.Ping(r.Context()); err != nil {
		nvr = "unreachable"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"nvr":       nvr,
		"last_sync": h.registry.LastSync(),
	})
}
