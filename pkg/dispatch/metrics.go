package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ackLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "comms_ack_latency_ms",
	Help:    "Time from frame receipt to send-ack, in milliseconds.",
	Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
})

var dispatchCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "comms_dispatch_total",
	Help: "Dispatched frames by type and final ack status.",
}, []string{"type", "status"})
