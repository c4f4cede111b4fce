package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	responseTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "response_time",
			Help:    "http response time.",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60},
		},
	)

	totalHttpRequestsToUri = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "total_http_requests_to_uri", Help: "http requests to uri"},
		[]string{"code", "uri", "method"},
	)

	totalHttpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "total_http_requests", Help: "http requests by code, and method"},
		[]string{"code", "method"},
	)

	unitLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "hotload_unit_loads_total", Help: "unit loads by result"},
		[]string{"result"},
	)

	mountedHandlerSets = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "hotload_mounted_handler_sets", Help: "handler sets tracked by the registry"},
	)
)

func init() {
	prometheus.MustRegister(
		responseTime,
		totalHttpRequestsToUri,
		totalHttpRequests,
		unitLoads,
		mountedHandlerSets,
	)
}

// ObserveLoad counts one load result ("mounted", "skipped", "failed", "removed").
func ObserveLoad(result string) { unitLoads.WithLabelValues(result).Inc() }

// SetMountedHandlerSets records the current registry size.
func SetMountedHandlerSets(n int) { mountedHandlerSets.Set(float64(n)) }
