package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var workItemsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bouncer_scheduler_work_items_added_total",
	Help: "Total number of work items added to the scheduler",
}, []string{"pool"})

var workItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bouncer_scheduler_work_items_processed_total",
	Help: "Total number of work items processed by the scheduler",
}, []string{"pool"})

var workItemsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bouncer_scheduler_work_items_failed_total",
	Help: "Total number of work items whose handler returned an error",
}, []string{"pool"})

var workersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "bouncer_scheduler_workers_active",
	Help: "Number of workers currently active",
}, []string{"pool"})

var messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bouncer_ingest_messages_total",
	Help: "Number of inbound messages, by source and result",
}, []string{"source", "result"})
