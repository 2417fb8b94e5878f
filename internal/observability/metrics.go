package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	Recordings       *prometheus.CounterVec
	WatchdogStops    prometheus.Counter
	UpstreamRequests *prometheus.CounterVec
	AnalyzeLatency   prometheus.Histogram
	ChatLatency      prometheus.Histogram

	window *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active capture sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		Recordings: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_total",
			Help:      "Finished recording attempts by outcome.",
		}, []string{"outcome"}),
		WatchdogStops: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_stops_total",
			Help:      "Recordings stopped by the maximum-duration watchdog.",
		}),
		UpstreamRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upload, predict and chat calls by result.",
		}, []string{"endpoint", "result"}),
		AnalyzeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analyze_latency_ms",
			Help:      "End-to-end analysis latency in milliseconds, upload included.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000},
		}),
		ChatLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_latency_ms",
			Help:      "Chat turn latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000},
		}),
		window: newLatencyWindow(256),
	}
}

// ObserveUpstream records one call to the prediction service.
func (m *Metrics) ObserveUpstream(endpoint, result string, d time.Duration) {
	m.UpstreamRequests.WithLabelValues(endpoint, result).Inc()
	ms := float64(d.Milliseconds())
	switch endpoint {
	case "predict":
		m.AnalyzeLatency.Observe(ms)
	case "chat":
		m.ChatLatency.Observe(ms)
	}
	m.window.Observe(endpoint, ms)
}

// ObserveRecording records a finished capture attempt.
func (m *Metrics) ObserveRecording(outcome string, watchdog bool, elapsed time.Duration) {
	m.Recordings.WithLabelValues(outcome).Inc()
	if watchdog {
		m.WatchdogStops.Inc()
	}
	m.window.Observe("record", float64(elapsed.Milliseconds()))
	m.window.Count(outcome)
}

// LatencySnapshot summarizes the most recent stage latencies.
func (m *Metrics) LatencySnapshot() LatencySnapshot {
	return m.window.Snapshot()
}

func (m *Metrics) ResetLatency() {
	m.window.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
