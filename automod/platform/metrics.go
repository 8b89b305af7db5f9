package platform

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bouncer_platform_requests_total",
	Help: "Number of requests to the platform REST API",
}, []string{"method", "status"})

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "bouncer_platform_request_duration_seconds",
	Help:    "Duration of platform REST API requests",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
}, []string{"method"})

var breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "bouncer_platform_breaker_state",
	Help: "Circuit breaker state for platform API calls (0=closed, 1=half-open, 2=open)",
}, []string{"name"})
