package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

// Env is the HIVEMIND_* environment. A zero value means "not set"; set
// values win over both the defaults and config.yml.
type Env struct {
	Port         int    `env:"HIVEMIND_COMMS_PORT"`
	CoordRoot    string `env:"HIVEMIND_COORD_ROOT"`
	InProcess    bool   `env:"HIVEMIND_COMMS_IN_PROCESS"`
	SessionScope string `env:"HIVEMIND_SESSION_SCOPE"`

	QueuePath            string `env:"HIVEMIND_QUEUE_PATH"`
	QueueMaxEntries      int    `env:"HIVEMIND_QUEUE_MAX_ENTRIES"`
	QueueMaxAgeMs        int64  `env:"HIVEMIND_QUEUE_MAX_AGE_MS"`
	QueueFlushIntervalMs int64  `env:"HIVEMIND_QUEUE_FLUSH_INTERVAL_MS"`

	DedupTTLMs          int64 `env:"HIVEMIND_DEDUP_TTL_MS"`
	DedupSignatureTTLMs int64 `env:"HIVEMIND_DEDUP_SIGNATURE_TTL_MS"`

	BridgeURL             string `env:"HIVEMIND_BRIDGE_URL"`
	BridgeDeviceID        string `env:"HIVEMIND_BRIDGE_DEVICE_ID"`
	BridgeSecret          string `env:"HIVEMIND_BRIDGE_SECRET"`
	BridgeReconnectBaseMs int64  `env:"HIVEMIND_BRIDGE_RECONNECT_BASE_MS"`
	BridgeReconnectMaxMs  int64  `env:"HIVEMIND_BRIDGE_RECONNECT_MAX_MS"`
	BridgeAckTimeoutMs    int64  `env:"HIVEMIND_BRIDGE_ACK_TIMEOUT_MS"`

	LogLevel string `env:"HIVEMIND_LOG_LEVEL"`
}

func LoadEnv(ctx context.Context) (Env, error) {
	var env Env
	err := envconfig.Process(ctx, &env)
	return env, err
}

// asConfig reshapes the environment into a Config so the ordinary merge
// rules decide precedence.
func (e *Env) asConfig() Config {
	return Config{
		Comms: Comms{
			Port:         e.Port,
			CoordRoot:    e.CoordRoot,
			InProcess:    e.InProcess,
			SessionScope: e.SessionScope,
		},
		Queue: Queue{
			Path:            e.QueuePath,
			MaxEntries:      e.QueueMaxEntries,
			MaxAgeMs:        e.QueueMaxAgeMs,
			FlushIntervalMs: e.QueueFlushIntervalMs,
		},
		Dedup: Dedup{
			TTLMs:          e.DedupTTLMs,
			SignatureTTLMs: e.DedupSignatureTTLMs,
		},
		Bridge: Bridge{
			URL:             e.BridgeURL,
			DeviceID:        e.BridgeDeviceID,
			Secret:          e.BridgeSecret,
			ReconnectBaseMs: e.BridgeReconnectBaseMs,
			ReconnectMaxMs:  e.BridgeReconnectMaxMs,
			AckTimeoutMs:    e.BridgeAckTimeoutMs,
		},
		LogLevel: e.LogLevel,
	}
}
