package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsHandler returns the Prometheus scrape handler backing GET /metrics.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
