package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var stateGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "comms_bridge_state",
	Help: "Relay connection state (0 disconnected, 1 connecting, 2 connected, 3 registered).",
})

var sendCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "comms_bridge_sends_total",
	Help: "Cross-device sends by final status.",
}, []string{"status"})

var reconnectCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "comms_bridge_reconnects_total",
	Help: "Relay connection losses followed by a reconnect attempt.",
})
