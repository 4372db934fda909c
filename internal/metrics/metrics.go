package metrics

import (
	"time"

	"github.com/oremus-labs/ol-crawl-gateway/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	relaySessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crawl_gateway_relay_sessions_active",
		Help: "Relay sessions currently streaming",
	}, []string{"kind"})

	relaySessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_gateway_relay_sessions_total",
		Help: "Finished relay sessions grouped by kind, final state and reason",
	}, []string{"kind", "state", "reason"})

	relayBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_gateway_relay_bytes_total",
		Help: "Bytes relayed from upstream task streams",
	}, []string{"kind"})

	relaySessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crawl_gateway_relay_session_duration_seconds",
		Help:    "Lifetime of relay sessions",
		Buckets: []float64{0.1, 1, 5, 15, 30, 60, 300, 900, 1800, 3600},
	}, []string{"kind", "state"})

	taskTrackDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crawl_gateway_task_track_duration_seconds",
		Help:    "Duration of tracked tasks from first subscription to outcome",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
	}, []string{"kind", "status"})

	taskTrackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_gateway_task_track_total",
		Help: "Tracked tasks grouped by kind and outcome",
	}, []string{"kind", "status"})

	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_gateway_upstream_requests_total",
		Help: "Proxied JSON requests grouped by target and status",
	}, []string{"target", "status"})
)

// RelayObserver records relay session metrics.
type RelayObserver struct{}

// SessionOpened implements relay.Observer.
func (RelayObserver) SessionOpened(s relay.Session) {
	relaySessionsActive.WithLabelValues(s.Kind).Inc()
}

// SessionClosed implements relay.Observer.
func (RelayObserver) SessionClosed(s relay.Session, r relay.Result) {
	relaySessionsActive.WithLabelValues(s.Kind).Dec()
	relaySessionsTotal.WithLabelValues(s.Kind, string(r.State), r.Reason()).Inc()
	relayBytesTotal.WithLabelValues(s.Kind).Add(float64(r.Bytes))
	relaySessionDuration.WithLabelValues(s.Kind, string(r.State)).Observe(r.Duration.Seconds())
}

// ObserveTaskTracked records the outcome of a tracked task.
func ObserveTaskTracked(kind, status string, duration time.Duration) {
	if kind == "" {
		kind = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	taskTrackDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
	taskTrackTotal.WithLabelValues(kind, status).Inc()
}

// ObserveUpstreamRequest counts a proxied JSON call. status 0 means unreachable.
func ObserveUpstreamRequest(target string, status int) {
	label := "unreachable"
	if status > 0 {
		label = statusClass(status)
	}
	upstreamRequestsTotal.WithLabelValues(target, label).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
