package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarm",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "swarm",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swarm",
		Name:      "active_sessions",
		Help:      "Number of currently active content sessions.",
	})

	DownloadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swarm",
		Name:      "download_speed_bytes",
		Help:      "Current aggregate download speed in bytes per second.",
	})

	UploadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swarm",
		Name:      "upload_speed_bytes",
		Help:      "Current aggregate upload speed in bytes per second.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swarm",
		Name:      "peers_connected",
		Help:      "Total number of peers connected across all sessions.",
	})

	PausedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swarm",
		Name:      "paused_sessions",
		Help:      "Number of seeding sessions paused by the resource governor.",
	})

	SecurityEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarm",
		Name:      "security_events_total",
		Help:      "Total security events by kind.",
	}, []string{"kind"})

	RotationDisconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "swarm",
		Name:      "rotation_disconnects_total",
		Help:      "Total peers disconnected by periodic health rotation.",
	})

	VerificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarm",
		Name:      "verifications_total",
		Help:      "Total verification outcomes by result.",
	}, []string{"result"})

	TrackerRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "swarm",
		Name:      "tracker_retries_total",
		Help:      "Total tracker re-announce retries after transport errors.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveSessions,
		DownloadSpeedBytes,
		UploadSpeedBytes,
		PeersConnected,
		PausedSessions,
		SecurityEventsTotal,
		RotationDisconnectsTotal,
		VerificationsTotal,
		TrackerRetriesTotal,
	)
}
