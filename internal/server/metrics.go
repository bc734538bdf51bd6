package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// httpMetrics are the collectors of the status API.
type httpMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	runsTotal       *prometheus.CounterVec
	rateLimitHits   *prometheus.CounterVec
	wsConnections   prometheus.Gauge
	wsMessagesTotal *prometheus.CounterVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	f := promauto.With(reg)
	return &httpMetrics{
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recrop_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recrop_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recrop_runs_total",
			Help: "Runs submitted through the API",
		}, []string{"mode", "status"}), // mode: local, queue
		rateLimitHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recrop_rate_limit_hits_total",
			Help: "Total number of rejected run submissions",
		}, []string{"type"}), // type: minute, hour, records
		wsConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "recrop_websocket_active_connections",
			Help: "Number of active WebSocket connections",
		}),
		wsMessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recrop_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		}, []string{"direction"}), // direction: sent, dropped
	}
}
