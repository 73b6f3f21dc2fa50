package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/camgate/backend/api"
	"github.com/camgate/backend/config"
	"github.com/camgate/backend/logging"
)

type Handlers struct {
	Cameras *api.CamerasHandler
	Stream  *api.StreamHandler
	Search  *api.SearchHandler
	Archive *api.ArchiveHandler
}

// NewRouter wires the gateway endpoints. Paths outside /api keep the names
// the browser UI already calls.
func NewRouter(cfg *config.AppConfig, h Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.AccessLog(logging.WithComponent("http")))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.App.AllowedOrigins,
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Range"},
		ExposedHeaders:   []string{"Content-Length", "Content-Range"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Device-backed list and streams
	r.Get("/cameras", h.Cameras.DeviceList)
	r.Get("/stream-lowest/{channelId}", h.Stream.LiveLow)
	r.Get("/stream-high/{channelId}", h.Stream.LiveHigh)
	r.Get("/video-history/{channelId}", h.Stream.History)
	r.Get("/video-event/{channelId}", h.Stream.EventClip)
	r.Get("/save-video/{channelId}", h.Stream.Save)
	r.Post("/stop-video/{channelId}", h.Stream.Stop)
	r.Get("/video/{channelId}/hls", h.Stream.HLS)
	r.Get("/video/{channelId}/hls/{key}/{file}", h.Stream.HLSFile)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Cameras.Health)
		r.Get("/sessions", h.Stream.Sessions)

		// Content searches are expensive on the NVR
		r.Group(func(r chi.Router) {
			r.Use(searchRateLimit(cfg.Search.RequestsPerMinute))
			r.Get("/videos/motion", h.Search.Motion)
			r.Get("/videos/vehicle", h.Search.Vehicle)
		})
		r.Get("/events/triggers", h.Search.Triggers)

		r.Get("/archive/{channelId}", h.Archive.List)
		r.Get("/archive/{channelId}/{file}", h.Archive.Play)

		// Cameras
		r.Get("/cameras", h.Cameras.List)
		r.Post("/cameras/sync", h.Cameras.Sync)
		r.Get("/cameras/{id}", h.Cameras.Get)
		r.Put("/cameras/{id}", h.Cameras.Update)
		r.Delete("/cameras/{id}", h.Cameras.Delete)
		r.Get("/cameras/{id}/liveness", h.Cameras.Liveness)
	})

	return r
}

func searchRateLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", 60))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many searches, try again later"}`))
		}),
	)
}
