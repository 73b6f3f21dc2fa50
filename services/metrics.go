package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeviceRequests counts ISAPI calls by endpoint and outcome.
	DeviceRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camgate_device_requests_total",
		Help: "Total requests sent to the NVR",
	}, []string{"endpoint", "outcome"})

	// DeviceRequestDuration tracks NVR round-trip latency.
	DeviceRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "camgate_device_request_duration_seconds",
		Help:    "Duration of requests sent to the NVR",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	// CameraSyncs counts registry syncs by result (ok, skipped, error).
	CameraSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camgate_camera_sync_total",
		Help: "Total camera registry syncs",
	}, []string{"result"})

	// TranscodeSessionsActive is the number of running encoder processes.
	TranscodeSessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "camgate_transcode_sessions_active",
		Help: "Running transcode sessions",
	}, []string{"mode"})

	// TranscodeSessions counts finished sessions by how they ended.
	TranscodeSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camgate_transcode_sessions_total",
		Help: "Finished transcode sessions",
	}, []string{"mode", "outcome"})

	// TranscodeBytes counts encoder output bytes delivered to clients or files.
	TranscodeBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camgate_transcode_bytes_total",
		Help: "Encoder output bytes delivered",
	}, []string{"mode"})
)
