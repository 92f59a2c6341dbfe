package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"gopkg.in/yaml.v3"

	"github.com/datawire/dlib/dlog"

	"github.com/anamnesos/hivemind/pkg/bridge"
	"github.com/anamnesos/hivemind/pkg/dedup"
	"github.com/anamnesos/hivemind/pkg/filelocation"
	"github.com/anamnesos/hivemind/pkg/queue"
)

const (
	// ConfigFile is the name of the optional file under the coordination
	// root (and under each system config dir) that mirrors the HIVEMIND_*
	// environment.
	ConfigFile = "config.yml"

	// QueueFileName is where the outbound queue persists, relative to
	// <coord-root>/state.
	QueueFileName = "comms-outbound-queue.json"

	// DefaultPort is the hub's listen port when nothing overrides it.
	DefaultPort = 47831
)

// Config is everything the coordinator reads at start. Durations are kept
// as millisecond integers so the whole struct rides the worker-process IPC
// as plain JSON; use the *Duration() accessors when wiring components.
type Config struct {
	Comms    Comms  `json:"comms,omitempty"`
	Queue    Queue  `json:"queue,omitempty"`
	Dedup    Dedup  `json:"dedup,omitempty"`
	Bridge   Bridge `json:"bridge,omitempty"`
	LogLevel string `json:"logLevel,omitempty"`
}

// merge merges this instance with the non-zero values of the given argument. The argument values take priority.
func (c *Config) merge(o *Config) {
	c.Comms.merge(&o.Comms)
	c.Queue.merge(&o.Queue)
	c.Dedup.merge(&o.Dedup)
	c.Bridge.merge(&o.Bridge)
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
}

func stringKey(n *yaml.Node) (string, error) {
	var s string
	if err := n.Decode(&s); err != nil {
		return "", errors.New(withLoc("key must be a string", n))
	}
	return s, nil
}

func (c *Config) UnmarshalYAML(node *yaml.Node) (err error) {
	if node.Kind != yaml.MappingNode {
		return errors.New(withLoc("config must be an object", node))
	}
	ms := node.Content
	top := len(ms)
	for i := 0; i < top; i += 2 {
		kv, err := stringKey(ms[i])
		if err != nil {
			return err
		}
		switch kv {
		case "comms":
			if err := ms[i+1].Decode(&c.Comms); err != nil {
				return err
			}
		case "queue":
			if err := ms[i+1].Decode(&c.Queue); err != nil {
				return err
			}
		case "dedup":
			if err := ms[i+1].Decode(&c.Dedup); err != nil {
				return err
			}
		case "bridge":
			if err := ms[i+1].Decode(&c.Bridge); err != nil {
				return err
			}
		case "logLevel":
			v := ms[i+1]
			if _, err := logrus.ParseLevel(v.Value); err != nil {
				return errors.New(withLoc("invalid log-level", v))
			}
			c.LogLevel = v.Value
		default:
			if parseContext != nil {
				dlog.Warn(parseContext, withLoc(fmt.Sprintf("unknown key %q", kv), ms[i]))
			}
		}
	}
	return nil
}

// Comms holds the hub's own knobs. CoordRoot is resolved from the
// environment or the user config dir, never from the file it locates, so
// it has no yaml key.
type Comms struct {
	Port         int    `json:"port,omitempty"`
	CoordRoot    string `json:"coordRoot,omitempty"`
	InProcess    bool   `json:"inProcess,omitempty"`
	SessionScope string `json:"sessionScope,omitempty"`
}

func (c *Comms) UnmarshalYAML(node *yaml.Node) (err error) {
	if node.Kind != yaml.MappingNode {
		return errors.New(withLoc("comms must be an object", node))
	}
	ms := node.Content
	top := len(ms)
	for i := 0; i < top; i += 2 {
		kv, err := stringKey(ms[i])
		if err != nil {
			return err
		}
		v := ms[i+1]
		switch kv {
		case "port":
			if err := v.Decode(&c.Port); err != nil {
				return errors.New(withLoc("unable to parse value", v))
			}
		case "inProcess":
			if err := v.Decode(&c.InProcess); err != nil {
				return errors.New(withLoc("unable to parse value", v))
			}
		case "sessionScope":
			if err := v.Decode(&c.SessionScope); err != nil {
				return errors.New(withLoc("unable to parse value", v))
			}
		default:
			if parseContext != nil {
				dlog.Warn(parseContext, withLoc(fmt.Sprintf("unknown key %q", kv), ms[i]))
			}
		}
	}
	return nil
}

// merge merges this instance with the non-zero values of the given argument. The argument values take priority.
func (c *Comms) merge(o *Comms) {
	if o.Port != 0 {
		c.Port = o.Port
	}
	if o.CoordRoot != "" {
		c.CoordRoot = o.CoordRoot
	}
	if o.InProcess {
		c.InProcess = true
	}
	if o.SessionScope != "" {
		c.SessionScope = o.SessionScope
	}
}

type Queue struct {
	Path            string `json:"path,omitempty"`
	MaxEntries      int    `json:"maxEntries,omitempty"`
	MaxAgeMs        int64  `json:"maxAgeMs,omitempty"`
	FlushIntervalMs int64  `json:"flushIntervalMs,omitempty"`
}

func (q Queue) MaxAge() time.Duration        { return millis(q.MaxAgeMs) }
func (q Queue) FlushInterval() time.Duration { return millis(q.FlushIntervalMs) }

func (q *Queue) UnmarshalYAML(node *yaml.Node) (err error) {
	if node.Kind != yaml.MappingNode {
		return errors.New(withLoc("queue must be an object", node))
	}
	ms := node.Content
	top := len(ms)
	for i := 0; i < top; i += 2 {
		kv, err := stringKey(ms[i])
		if err != nil {
			return err
		}
		v := ms[i+1]
		var ok bool
		switch kv {
		case "path":
			ok = v.Decode(&q.Path) == nil
		case "maxEntries":
			ok = v.Decode(&q.MaxEntries) == nil
		case "maxAgeMs":
			ok = v.Decode(&q.MaxAgeMs) == nil
		case "flushIntervalMs":
			ok = v.Decode(&q.FlushIntervalMs) == nil
		default:
			if parseContext != nil {
				dlog.Warn(parseContext, withLoc(fmt.Sprintf("unknown key %q", kv), ms[i]))
			}
			continue
		}
		if !ok {
			return errors.New(withLoc("unable to parse value", v))
		}
	}
	return nil
}

// merge merges this instance with the non-zero values of the given argument. The argument values take priority.
func (q *Queue) merge(o *Queue) {
	if o.Path != "" {
		q.Path = o.Path
	}
	if o.MaxEntries != 0 {
		q.MaxEntries = o.MaxEntries
	}
	if o.MaxAgeMs != 0 {
		q.MaxAgeMs = o.MaxAgeMs
	}
	if o.FlushIntervalMs != 0 {
		q.FlushIntervalMs = o.FlushIntervalMs
	}
}

type Dedup struct {
	TTLMs          int64 `json:"ttlMs,omitempty"`
	SignatureTTLMs int64 `json:"signatureTtlMs,omitempty"`
}

func (d Dedup) TTL() time.Duration          { return millis(d.TTLMs) }
func (d Dedup) SignatureTTL() time.Duration { return millis(d.SignatureTTLMs) }

func (d *Dedup) UnmarshalYAML(node *yaml.Node) (err error) {
	if node.Kind != yaml.MappingNode {
		return errors.New(withLoc("dedup must be an object", node))
	}
	ms := node.Content
	top := len(ms)
	for i := 0; i < top; i += 2 {
		kv, err := stringKey(ms[i])
		if err != nil {
			return err
		}
		v := ms[i+1]
		var ok bool
		switch kv {
		case "ttlMs":
			ok = v.Decode(&d.TTLMs) == nil
		case "signatureTtlMs":
			ok = v.Decode(&d.SignatureTTLMs) == nil
		default:
			if parseContext != nil {
				dlog.Warn(parseContext, withLoc(fmt.Sprintf("unknown key %q", kv), ms[i]))
			}
			continue
		}
		if !ok {
			return errors.New(withLoc("unable to parse value", v))
		}
	}
	return nil
}

// merge merges this instance with the non-zero values of the given argument. The argument values take priority.
func (d *Dedup) merge(o *Dedup) {
	if o.TTLMs != 0 {
		d.TTLMs = o.TTLMs
	}
	if o.SignatureTTLMs != 0 {
		d.SignatureTTLMs = o.SignatureTTLMs
	}
}

type Bridge struct {
	URL             string `json:"url,omitempty"`
	DeviceID        string `json:"deviceId,omitempty"`
	Secret          string `json:"secret,omitempty"`
	ReconnectBaseMs int64  `json:"reconnectBaseMs,omitempty"`
	ReconnectMaxMs  int64  `json:"reconnectMaxMs,omitempty"`
	AckTimeoutMs    int64  `json:"ackTimeoutMs,omitempty"`
}

func (b Bridge) ReconnectBase() time.Duration { return millis(b.ReconnectBaseMs) }
func (b Bridge) ReconnectMax() time.Duration  { return millis(b.ReconnectMaxMs) }
func (b Bridge) AckTimeout() time.Duration    { return millis(b.AckTimeoutMs) }

func (b *Bridge) UnmarshalYAML(node *yaml.Node) (err error) {
	if node.Kind != yaml.MappingNode {
		return errors.New(withLoc("bridge must be an object", node))
	}
	ms := node.Content
	top := len(ms)
	for i := 0; i < top; i += 2 {
		kv, err := stringKey(ms[i])
		if err != nil {
			return err
		}
		v := ms[i+1]
		var ok bool
		switch kv {
		case "url":
			ok = v.Decode(&b.URL) == nil
		case "deviceId":
			ok = v.Decode(&b.DeviceID) == nil
		case "secret":
			ok = v.Decode(&b.Secret) == nil
		case "reconnectBaseMs":
			ok = v.Decode(&b.ReconnectBaseMs) == nil
		case "reconnectMaxMs":
			ok = v.Decode(&b.ReconnectMaxMs) == nil
		case "ackTimeoutMs":
			ok = v.Decode(&b.AckTimeoutMs) == nil
		default:
			if parseContext != nil {
				dlog.Warn(parseContext, withLoc(fmt.Sprintf("unknown key %q", kv), ms[i]))
			}
			continue
		}
		if !ok {
			return errors.New(withLoc("unable to parse value", v))
		}
	}
	return nil
}

// merge merges this instance with the non-zero values of the given argument. The argument values take priority.
func (b *Bridge) merge(o *Bridge) {
	if o.URL != "" {
		b.URL = o.URL
	}
	if o.DeviceID != "" {
		b.DeviceID = o.DeviceID
	}
	if o.Secret != "" {
		b.Secret = o.Secret
	}
	if o.ReconnectBaseMs != 0 {
		b.ReconnectBaseMs = o.ReconnectBaseMs
	}
	if o.ReconnectMaxMs != 0 {
		b.ReconnectMaxMs = o.ReconnectMaxMs
	}
	if o.AckTimeoutMs != 0 {
		b.AckTimeoutMs = o.AckTimeoutMs
	}
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func msec(d time.Duration) int64 {
	return int64(d / time.Millisecond)
}

func defaultConfig() Config {
	return Config{
		Comms: Comms{Port: DefaultPort},
		Queue: Queue{
			MaxEntries:      queue.DefaultMaxEntries,
			MaxAgeMs:        msec(queue.DefaultMaxAge),
			FlushIntervalMs: msec(queue.DefaultFlushInterval),
		},
		Dedup: Dedup{
			TTLMs:          msec(dedup.DefaultIDTTL),
			SignatureTTLMs: msec(dedup.DefaultSignatureTTL),
		},
		Bridge: Bridge{
			ReconnectBaseMs: msec(bridge.DefaultReconnectBase),
			ReconnectMaxMs:  msec(bridge.DefaultReconnectMax),
			AckTimeoutMs:    msec(bridge.DefaultAckTimeout),
		},
		LogLevel: "info",
	}
}

// GetDefaultConfig returns a fresh copy of the built-in defaults.
func GetDefaultConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

var parseContext context.Context //nolint:gochecknoglobals // yaml parse-time diagnostics only

type parsedFile struct{}

func withLoc(s string, n *yaml.Node) string {
	if parseContext != nil {
		if fileName, ok := parseContext.Value(parsedFile{}).(string); ok {
			return fmt.Sprintf("file %s, line %d: %s", fileName, n.Line, s)
		}
	}
	return fmt.Sprintf("line %d: %s", n.Line, s)
}

type configKey struct{}

// WithConfig returns a context with the given config attached.
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// GetConfig returns the config attached to the context, falling back to the
// built-in defaults when nothing was loaded (mostly tests).
func GetConfig(ctx context.Context) *Config {
	if cfg, ok := ctx.Value(configKey{}).(*Config); ok {
		return cfg
	}
	return GetDefaultConfig()
}

// LoadConfig resolves the effective configuration: built-in defaults, then
// config.yml from each system config dir, then config.yml from the
// coordination root, then the HIVEMIND_* environment. Later sources win.
// The returned config always has CoordRoot and Queue.Path filled in.
func LoadConfig(ctx context.Context) (*Config, error) {
	env, err := LoadEnv(ctx)
	if err != nil {
		return nil, err
	}

	coordRoot := env.CoordRoot
	if coordRoot == "" {
		if coordRoot, err = filelocation.AppUserConfigDir(ctx); err != nil {
			return nil, err
		}
	}

	cfg := defaultConfig()

	readMerge := func(dir string) error {
		if stat, err := os.Stat(dir); err != nil || !stat.IsDir() { // skip unless directory
			return nil
		}
		fileName := filepath.Join(dir, ConfigFile)
		bs, err := os.ReadFile(fileName)
		if err != nil {
			if os.IsNotExist(err) {
				err = nil
			}
			return err
		}
		parseContext = context.WithValue(ctx, parsedFile{}, fileName)
		defer func() {
			parseContext = nil
		}()
		fileConfig := Config{}
		if err = yaml.Unmarshal(bs, &fileConfig); err != nil {
			return err
		}
		cfg.merge(&fileConfig)
		return nil
	}

	dirs, err := filelocation.AppSystemConfigDirs(ctx)
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if err = readMerge(dir); err != nil {
			return nil, err
		}
	}
	if err = readMerge(coordRoot); err != nil {
		return nil, err
	}

	envCfg := env.asConfig()
	cfg.merge(&envCfg)

	// The root that located the file is the root that sticks.
	cfg.Comms.CoordRoot = coordRoot
	if cfg.Queue.Path == "" {
		cfg.Queue.Path = filepath.Join(coordRoot, "state", QueueFileName)
	}
	if _, err = logrus.ParseLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("%q is not a valid log level", cfg.LogLevel)
	}
	return &cfg, nil
}
