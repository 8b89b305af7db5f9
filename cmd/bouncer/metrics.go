package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bouncer_http_events_received_total",
	Help: "Number of events received over HTTP, by endpoint and result",
}, []string{"source", "result"})

var counterKeys = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "bouncer_counter_keys",
	Help: "Number of live keys in the windowed counter store, as of the last sweep",
})
