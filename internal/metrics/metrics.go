// Package metrics exposes the gateway's Prometheus instrumentation.
// Daily quota accounting lives in the store; these series only serve
// operational dashboards.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "geminipanel_requests_total",
	Help: "counter of handled inbound API requests",
}, []string{"route", "status"})

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "geminipanel_request_duration_seconds",
	Help:    "latency of handled inbound API requests",
	Buckets: prometheus.DefBuckets,
}, []string{"route"})

var upstreamResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "geminipanel_upstream_results_total",
	Help: "counter of upstream call outcomes by model and result",
}, []string{"model", "outcome"})

var keySelections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "geminipanel_key_selections_total",
	Help: "counter of pool key selections by model category",
}, []string{"category"})

var keysInError = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "geminipanel_keys_in_error",
	Help: "number of pool keys currently flagged with an error status",
})

// ObserveRequest records one handled inbound request.
func ObserveRequest(route string, status int, elapsed time.Duration) {
	requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// CountUpstream records one upstream call outcome ("ok", "quota",
// "auth", "error", …).
func CountUpstream(model, outcome string) {
	upstreamResults.WithLabelValues(model, outcome).Inc()
}

// CountSelection records one successful pool selection.
func CountSelection(category string) {
	keySelections.WithLabelValues(category).Inc()
}

// SetKeysInError publishes the current number of error-flagged keys.
func SetKeysInError(n int) {
	keysInError.Set(float64(n))
}

// Handler serves the scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
