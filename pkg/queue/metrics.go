package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var depthGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "comms_queue_depth",
	Help: "Number of undelivered messages currently held in the offline queue.",
})

var flushedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "comms_queue_flushed_total",
	Help: "Queued messages replayed to a live connection, by flush source.",
}, []string{"source"})
