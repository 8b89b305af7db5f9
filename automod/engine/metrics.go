package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "bouncer_event_duration_seconds",
	Help: "Total duration of event processing",
}, []string{"kind"})

var eventProcessCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bouncer_events_processed_total",
	Help: "Number of events processed",
}, []string{"kind"})

var eventErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bouncer_event_errors_total",
	Help: "Number of events which failed processing",
}, []string{"kind"})

var eventDropCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bouncer_events_dropped_total",
	Help: "Number of events dropped before evaluation",
}, []string{"reason"})

var policyTriggerCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bouncer_policy_triggers_total",
	Help: "Number of times each policy triggered",
}, []string{"policy"})

var policySkipCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bouncer_policy_skips_total",
	Help: "Number of policy evaluations or actions skipped",
}, []string{"policy", "reason"})

var policyErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bouncer_policy_errors_total",
	Help: "Number of policy evaluations which failed",
}, []string{"policy"})

var policiesLoaded = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "bouncer_policies_loaded",
	Help: "Number of policies in the active policy set",
})

var auditLookupCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bouncer_audit_lookups_total",
	Help: "Number of audit log lookups, by result",
}, []string{"result"})

var webhookFetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bouncer_webhook_fetches_total",
	Help: "Number of channel webhook fetches, by result",
}, []string{"result"})
