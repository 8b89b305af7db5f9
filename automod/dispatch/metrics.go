package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var actionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bouncer_action_outcomes_total",
	Help: "Number of moderation actions dispatched, by outcome",
}, []string{"action", "outcome"})

var actionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bouncer_action_failures_total",
	Help: "Number of moderation actions which failed, by error class",
}, []string{"action", "class"})

var actionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "bouncer_action_duration_seconds",
	Help: "Duration of moderation action platform calls",
}, []string{"action"})

var quotaTrips = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bouncer_action_quota_trips_total",
	Help: "Number of actions skipped because the daily quota was reached",
}, []string{"action"})
