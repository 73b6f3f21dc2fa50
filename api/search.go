package api

import (
	"context"
	"net/http"

	"github.com/camgate/backend/models"
	"github.com/camgate/backend/services"
)

// TriggerLister reads the NVR's configured event triggers.
type TriggerLister interface {
	ListEventTriggers(ctx context.Context) ([]models.EventTrigger, error)
}

type SearchHandler struct {
	gateway  *services.SearchGateway
	triggers TriggerLister
}

func NewSearchHandler(gateway *services.SearchGateway, triggers TriggerLister) *SearchHandler {
	return &SearchHandler{gateway: gateway, triggers: triggers}
}

func (h *SearchHandler) Motion(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, services.SearchMotion)
}

func (h *SearchHandler) Vehicle(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, services.SearchVehicle)
}

func (h *SearchHandler) search(w http.ResponseWriter, r *http.Request, kind services.SearchKind) {
	q := r.URL.Query()
	cameraID := q.Get("cameraId")
	if cameraID == "" {
		badRequest(w, "cameraId is required")
		return
	}
	tr, err := services.ParseTimeRange(q.Get("startTime"), q.Get("endTime"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	refs, err := h.gateway.Search(r.Context(), kind, cameraID, tr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refs)
}

func (h *SearchHandler) Triggers(w http.ResponseWriter, r *http.Request) {
	triggers, err := h.triggers.ListEventTriggers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, triggers)
}
