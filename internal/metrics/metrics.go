// Package metrics holds the process-wide Prometheus collectors. All series
// share the metercore_ prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Prefix = "metercore_"

var (
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: Prefix + "fetch_duration_seconds",
		Help: "Runtime of fetching a measurement from a meter",
	}, []string{"meter_name"})

	FetchSuccess = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: Prefix + "fetch_success",
		Help: "Number of successful measurement fetches",
	}, []string{"meter_name"})

	SerialOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: Prefix + "serial_initializations",
		Help: "Number of serial port initializations",
	}, []string{"port"})

	GatewayUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: Prefix + "gateway_uploads",
		Help: "Number of successful uploads to the middleware",
	}, []string{"gateway"})

	GatewayUploadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: Prefix + "gateway_failed_uploads",
		Help: "Number of failed uploads to the middleware",
	}, []string{"gateway"})
)
