package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "comms_connections",
	Help: "Currently open WebSocket connections.",
})

var framesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "comms_frames_total",
	Help: "Inbound frames by type, after rate limiting and size checks.",
}, []string{"type"})
