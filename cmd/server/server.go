package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/camgate/backend/api"
	"github.com/camgate/backend/config"
	"github.com/camgate/backend/logging"
	"github.com/camgate/backend/services"
)

const shutdownTimeout = 15 * time.Second

// NewDevice builds the NVR client from config.
func NewDevice(cfg *config.AppConfig) *services.HikvisionClient {
	return services.NewHikvisionClient(services.DeviceOptionsFromConfig(cfg.NVR))
}

// Start runs the gateway until ctx is cancelled, then stops every encoder
// and drains the HTTP server.
func Start(ctx context.Context, cfg *config.AppConfig) error {
	logger := logging.WithComponent("server")

	// Init storage
	storage, err := services.NewStorage(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer storage.Close()
	logger.Info().Str(logging.FieldPath, cfg.Storage.DBPath).Msg("sqlite storage ready")

	// Init services
	device := NewDevice(cfg)
	clock := services.DeviceClock{Offset: cfg.NVR.TimeOffset}

	registry := services.NewCameraRegistry(storage.DB(), device, 2*cfg.NVR.Timeout)
	defer registry.Close()

	manager := services.NewManager(services.ManagerOptions{
		FFmpegPath: cfg.Encoder.FFmpegPath,
		KillGrace:  cfg.Encoder.KillGrace,
		Source:     services.RTSPSourceFromConfig(cfg.NVR),
		Clock:      clock,
		Prober:     services.NewProber(cfg.Encoder.FFprobePath, cfg.Encoder.ProbeTimeout),
	})
	archiver := services.NewArchiver(cfg.Archive.Dir, cfg.Archive.ReadyTimeout, manager)

	hls, err := services.NewHLSStreamer(services.HLSOptions{
		Dir:            cfg.HLS.Dir,
		SegmentSeconds: cfg.HLS.SegmentSeconds,
		ReadyTimeout:   cfg.HLS.ReadyTimeout,
		IdleTimeout:    cfg.HLS.IdleTimeout,
	}, manager)
	if err != nil {
		return err
	}
	hls.StartCleanup(ctx)
	defer hls.StopAll()

	gateway := services.NewSearchGateway(device, clock, cfg.Search.MaxResults, cfg.Search.PageSize)
	liveness := services.NewLivenessChecker(device, cfg.Liveness.Interval, cfg.Liveness.Threshold)

	registry.StartScheduler(ctx, cfg.Sync.Interval)

	// Init handlers
	router := NewRouter(cfg, Handlers{
		Cameras: api.NewCamerasHandler(registry, device, liveness),
		Stream:  api.NewStreamHandler(manager, archiver, hls),
		Search:  api.NewSearchHandler(gateway, device),
		Archive: api.NewArchiveHandler(archiver),
	})

	addr := fmt.Sprintf("%s:%d", cfg.App.Host, cfg.App.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Str("nvr", cfg.NVR.Host).Msg("starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Encoders first, so streaming handlers return and the server can drain.
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("encoders still running at shutdown")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}
