package dedup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric label values for id-keyed hits. The signature-keyed labels reuse
// the wire dedupe mode names.
const (
	modeCache   = "cache"
	modePending = "pending"
)

var hitCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "comms_dedupe_hits_total",
	Help: "counter of ack-eligible frames answered by the dedup layer instead of a fresh dispatch",
}, []string{"mode"})

var cachedGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "comms_dedupe_cached",
	Help: "acks currently held in the id-keyed dedup cache",
})

var pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "comms_dedupe_pending",
	Help: "dispatches currently in flight with parked retries possible",
})

// ReportStats refreshes the dedup gauges; called by the prune worker.
func (c *Cache) ReportStats() {
	cached, pending := c.Stats()
	cachedGauge.Set(float64(cached))
	pendingGauge.Set(float64(pending))
}
