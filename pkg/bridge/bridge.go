// Package bridge maintains the outbound relay connection that carries
// cross-device traffic. It owns one WebSocket to the relay, re-establishes it
// with exponential backoff, and correlates xsend frames with their xack
// responses through per-message futures. Policy about who may talk across
// devices lives in the host handler, not here.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"
	"github.com/gorilla/websocket"

	"github.com/anamnesos/hivemind/pkg/maps"
	"github.com/anamnesos/hivemind/pkg/redact"
	"github.com/anamnesos/hivemind/pkg/trace"
	"github.com/anamnesos/hivemind/pkg/version"
	"github.com/anamnesos/hivemind/pkg/wire"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRegistered
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	default:
		return "disconnected"
	}
}

const (
	DefaultReconnectBase = 750 * time.Millisecond
	DefaultReconnectMax  = 10 * time.Second
	DefaultAckTimeout    = 12 * time.Second

	handshakeTimeout = 10 * time.Second
	relayWriteWait   = 10 * time.Second
)

// InboundDelivery is an xdeliver from another device, metadata already
// normalized.
type InboundDelivery struct {
	MessageID  string         `json:"messageId"`
	FromDevice string         `json:"fromDevice"`
	FromRole   string         `json:"fromRole,omitempty"`
	TargetRole string         `json:"targetRole,omitempty"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// InboundHandler hands a cross-device delivery to the host, typically to be
// re-dispatched on the local hub. Its verdict travels back to the relay as
// the xack.
type InboundHandler func(ctx context.Context, d *InboundDelivery) (*wire.HandlerResult, error)

type Config struct {
	URL           string
	DeviceID      string
	SharedSecret  string
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	AckTimeout    time.Duration
	Inbound       InboundHandler
}

func (c *Config) withDefaults() {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
}

// relayFrame is the single tolerant shape for everything the relay speaks.
type relayFrame struct {
	Type            string         `json:"type"`
	MessageID       string         `json:"messageId,omitempty"`
	RequestID       string         `json:"requestId,omitempty"`
	DeviceID        string         `json:"deviceId,omitempty"`
	SharedSecret    string         `json:"sharedSecret,omitempty"`
	ProtocolVersion string         `json:"protocolVersion,omitempty"`
	FromDevice      string         `json:"fromDevice,omitempty"`
	ToDevice        string         `json:"toDevice,omitempty"`
	FromRole        string         `json:"fromRole,omitempty"`
	TargetRole      string         `json:"targetRole,omitempty"`
	Content         string         `json:"content,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Ok              *bool          `json:"ok,omitempty"`
	Status          string         `json:"status,omitempty"`
	Error           string         `json:"error,omitempty"`
	Message         string         `json:"message,omitempty"`
	Devices         []Device       `json:"devices,omitempty"`
	Timestamp       int64          `json:"timestamp,omitempty"`
}

type ackFuture struct {
	once sync.Once
	ch   chan *wire.AckRecord
}

func newAckFuture() *ackFuture {
	return &ackFuture{ch: make(chan *wire.AckRecord, 1)}
}

// resolve is first-wins; whichever of xack, timeout or stop gets here first
// decides the outcome.
func (f *ackFuture) resolve(rec *wire.AckRecord) {
	f.once.Do(func() { f.ch <- rec })
}

type Device struct {
	DeviceID       string   `json:"deviceId"`
	Roles          []string `json:"roles,omitempty"`
	ConnectedSince int64    `json:"connectedSince,omitempty"`
}

type DiscoveryResult struct {
	Ok      bool     `json:"ok"`
	Status  string   `json:"status,omitempty"`
	Devices []Device `json:"devices,omitempty"`
}

type discoveryFuture struct {
	once sync.Once
	ch   chan *DiscoveryResult
}

func (f *discoveryFuture) resolve(r *DiscoveryResult) {
	f.once.Do(func() { f.ch <- r })
}

type Client struct {
	cfg Config

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	pending map[string]*ackFuture
	disc    map[string]*discoveryFuture
	attempt int
	stopped bool

	writeMu sync.Mutex
}

func New(cfg Config) *Client {
	cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		pending: make(map[string]*ackFuture),
		disc:    make(map[string]*discoveryFuture),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run owns the relay connection until ctx is done or Stop is called. Every
// connection loss backs off exponentially; a successful registration resets
// the backoff.
func (c *Client) Run(ctx context.Context) error {
	if c.cfg.URL == "" {
		dlog.Debug(ctx, "no relay configured, bridge idle")
		return nil
	}
	for {
		if ctx.Err() != nil || c.isStopped() {
			return nil
		}
		c.mu.Lock()
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()

		err := c.runOnce(ctx)
		if ctx.Err() != nil || c.isStopped() {
			return nil
		}
		delay := ReconnectDelay(c.cfg.ReconnectBase, c.cfg.ReconnectMax, attempt)
		dlog.Infof(ctx, "!! BRIDGE connection lost (%v), reconnecting in %s (attempt %d)", err, delay, attempt)
		reconnectCounter.Inc()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	c.setState(ctx, StateConnecting)
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.setState(ctx, StateDisconnected)
		return err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()
	c.setState(ctx, StateConnected)

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
		c.setState(ctx, StateDisconnected)
	}()

	if err := c.write(conn, &relayFrame{
		Type:            "register",
		DeviceID:        c.cfg.DeviceID,
		SharedSecret:    c.cfg.SharedSecret,
		ProtocolVersion: version.Version,
		Timestamp:       wire.Millis(dtime.Now()),
	}); err != nil {
		return err
	}

	// Unblock the read loop when the server shuts down.
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-readerDone:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleFrame(ctx, conn, raw)
	}
}

func (c *Client) handleFrame(ctx context.Context, conn *websocket.Conn, raw []byte) {
	var f relayFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		dlog.Warnf(ctx, "unparseable relay frame: %v", err)
		return
	}
	switch f.Type {
	case "register-ack":
		if f.Ok != nil && *f.Ok {
			if !version.Compatible(f.ProtocolVersion) {
				dlog.Warnf(ctx, "relay speaks protocol %s, this build is %s; proceeding anyway",
					f.ProtocolVersion, version.Version)
			}
			c.mu.Lock()
			c.attempt = 0
			c.mu.Unlock()
			c.setState(ctx, StateRegistered)
			dlog.Infof(ctx, "!! BRIDGE registered as %s", c.cfg.DeviceID)
		} else {
			dlog.Errorf(ctx, "!! BRIDGE registration rejected: %s", f.Error)
			_ = conn.Close()
		}
	case "xack":
		c.resolvePending(ctx, &f)
	case "xdeliver":
		go func() {
			defer func() {
				if r := recover(); r != nil {
					dlog.Errorf(ctx, "!! BRIDGE inbound: %+v", derror.PanicToError(r))
				}
			}()
			c.handleInbound(ctx, conn, &f)
		}()
	case "xdiscovery-result":
		c.resolveDiscovery(&f)
	case "error":
		if strings.Contains(f.Message+" "+f.Error, "unsupported_type:xdiscovery") {
			c.failAllDiscovery(&DiscoveryResult{Ok: false, Status: wire.StatusBridgeDiscoveryUnsupported})
			return
		}
		dlog.Warnf(ctx, "relay error: %s%s", f.Message, f.Error)
	default:
		dlog.Debugf(ctx, "unhandled relay frame type %q", f.Type)
	}
}

func (c *Client) resolvePending(ctx context.Context, f *relayFrame) {
	c.mu.Lock()
	fut := c.pending[f.MessageID]
	delete(c.pending, f.MessageID)
	c.mu.Unlock()
	if fut == nil {
		dlog.Debugf(ctx, "xack for unknown message %q", f.MessageID)
		return
	}
	ok := f.Ok != nil && *f.Ok
	rec := &wire.AckRecord{Ok: ok, Accepted: ok, Verified: ok, Status: f.Status, Error: f.Error}
	if rec.Status == "" {
		switch {
		case ok:
			rec.Status = wire.StatusBridgeDelivered
		case strings.Contains(strings.ToLower(f.Error), "unknown device"):
			rec.Status = wire.StatusTargetOffline
		default:
			rec.Status = wire.StatusBridgeSendFailed
		}
	}
	fut.resolve(rec)
}

type SendOptions struct {
	MessageID  string
	ToDevice   string
	TargetRole string
	FromRole   string
	Content    string
	Metadata   map[string]any
	Timeout    time.Duration
}

// SendResult is what a cross-device send resolves to.
type SendResult struct {
	wire.AckRecord
	MessageID  string `json:"messageId,omitempty"`
	FromDevice string `json:"fromDevice,omitempty"`
	ToDevice   string `json:"toDevice,omitempty"`
}

// SendToDevice relays one message and waits for the matching xack. Exactly
// one outcome wins: the xack, the per-send timeout, or shutdown. Payloads are
// redacted before they leave the process.
func (c *Client) SendToDevice(ctx context.Context, opts SendOptions) *SendResult {
	if opts.MessageID == "" {
		opts.MessageID = trace.NewMessageID()
	}
	toDevice := SanitizeDeviceID(opts.ToDevice)
	result := func(rec *wire.AckRecord) *SendResult {
		sendCounter.WithLabelValues(rec.Status).Inc()
		return &SendResult{AckRecord: *rec, MessageID: opts.MessageID, FromDevice: c.cfg.DeviceID, ToDevice: toDevice}
	}
	if toDevice == "" {
		return result(&wire.AckRecord{Status: wire.StatusInvalidTarget, Error: "empty device id after sanitizing"})
	}

	c.mu.Lock()
	conn, state := c.conn, c.state
	if state != StateRegistered || conn == nil {
		c.mu.Unlock()
		return result(&wire.AckRecord{Status: wire.StatusBridgeUnavailable, Error: "bridge is " + state.String()})
	}
	fut := newAckFuture()
	c.pending[opts.MessageID] = fut
	c.mu.Unlock()

	targetRole := opts.TargetRole
	if targetRole == "" {
		targetRole = "architect"
	}
	err := c.write(conn, &relayFrame{
		Type:       "xsend",
		MessageID:  opts.MessageID,
		FromDevice: c.cfg.DeviceID,
		ToDevice:   toDevice,
		FromRole:   opts.FromRole,
		TargetRole: targetRole,
		Content:    redact.String(opts.Content),
		Metadata:   normalizeStructured(redact.Metadata(opts.Metadata)),
		Timestamp:  wire.Millis(dtime.Now()),
	})
	if err != nil {
		c.removePending(opts.MessageID)
		return result(&wire.AckRecord{Status: wire.StatusBridgeSendFailed, Error: err.Error()})
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.AckTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case rec := <-fut.ch:
		return result(rec)
	case <-timer.C:
		c.removePending(opts.MessageID)
		fut.resolve(&wire.AckRecord{Status: wire.StatusBridgeAckTimeout, Error: "no xack within " + timeout.String()})
		return result(<-fut.ch)
	case <-ctx.Done():
		c.removePending(opts.MessageID)
		fut.resolve(&wire.AckRecord{Status: wire.StatusBridgeStopped, Error: ctx.Err().Error()})
		return result(<-fut.ch)
	}
}

// DiscoverDevices asks the relay who else is connected. Older relays that do
// not implement xdiscovery answer with an error frame, surfaced as a
// bridge_discovery_unsupported result rather than a timeout.
func (c *Client) DiscoverDevices(ctx context.Context, timeout time.Duration) *DiscoveryResult {
	c.mu.Lock()
	conn, state := c.conn, c.state
	if state != StateRegistered || conn == nil {
		c.mu.Unlock()
		return &DiscoveryResult{Ok: false, Status: wire.StatusBridgeUnavailable}
	}
	requestID := fmt.Sprintf("disc-%d", dtime.Now().UnixNano())
	fut := &discoveryFuture{ch: make(chan *DiscoveryResult, 1)}
	c.disc[requestID] = fut
	c.mu.Unlock()

	if err := c.write(conn, &relayFrame{Type: "xdiscovery", RequestID: requestID}); err != nil {
		c.removeDiscovery(requestID)
		return &DiscoveryResult{Ok: false, Status: wire.StatusBridgeSendFailed}
	}

	if timeout <= 0 {
		timeout = c.cfg.AckTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-fut.ch:
		return res
	case <-timer.C:
		c.removeDiscovery(requestID)
		fut.resolve(&DiscoveryResult{Ok: false, Status: wire.StatusBridgeAckTimeout})
		return <-fut.ch
	case <-ctx.Done():
		c.removeDiscovery(requestID)
		fut.resolve(&DiscoveryResult{Ok: false, Status: wire.StatusBridgeStopped})
		return <-fut.ch
	}
}

func (c *Client) resolveDiscovery(f *relayFrame) {
	c.mu.Lock()
	fut := c.disc[f.RequestID]
	delete(c.disc, f.RequestID)
	c.mu.Unlock()
	if fut == nil {
		return
	}
	devices := append([]Device(nil), f.Devices...)
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })
	fut.resolve(&DiscoveryResult{Ok: true, Devices: devices})
}

func (c *Client) failAllDiscovery(res *DiscoveryResult) {
	c.mu.Lock()
	futs := c.disc
	c.disc = make(map[string]*discoveryFuture)
	c.mu.Unlock()
	for _, fut := range futs {
		fut.resolve(res)
	}
}

// handleInbound normalizes an xdeliver, hands it to the host callback, and
// answers the relay with the verdict.
func (c *Client) handleInbound(ctx context.Context, conn *websocket.Conn, f *relayFrame) {
	meta := f.Metadata
	if _, has := meta["structured"]; has {
		meta = normalizeStructured(meta)
	} else {
		withStructured := maps.Copy(meta)
		if withStructured == nil {
			withStructured = make(map[string]any, 1)
		}
		withStructured["structured"] = synthesizeStructured(f.Content)
		meta = withStructured
	}

	ok, status, errMsg := c.inboundVerdict(ctx, f, meta)
	reply := &relayFrame{
		Type:      "xack",
		MessageID: f.MessageID,
		Ok:        &ok,
		Status:    status,
		Error:     errMsg,
		Timestamp: wire.Millis(dtime.Now()),
	}
	if err := c.write(conn, reply); err != nil {
		dlog.Warnf(ctx, "xack for %s not sent: %v", f.MessageID, err)
	}
}

func (c *Client) inboundVerdict(ctx context.Context, f *relayFrame, meta map[string]any) (ok bool, status, errMsg string) {
	if c.cfg.Inbound == nil {
		return false, wire.StatusBridgeHandlerError, "no inbound handler configured"
	}
	hr, err := c.safeInbound(ctx, &InboundDelivery{
		MessageID:  f.MessageID,
		FromDevice: f.FromDevice,
		FromRole:   f.FromRole,
		TargetRole: f.TargetRole,
		Content:    f.Content,
		Metadata:   meta,
	})
	if err != nil {
		dlog.Errorf(ctx, "!! BRIDGE inbound handler: %v", err)
		return false, wire.StatusBridgeHandlerError, err.Error()
	}
	if hr == nil {
		return true, wire.StatusBridgeDelivered, ""
	}
	ok = hr.Ok != nil && *hr.Ok
	status = hr.Status
	if status == "" {
		if ok {
			status = wire.StatusBridgeDelivered
		} else {
			status = wire.StatusUnrouted
		}
	}
	return ok, status, ""
}

func (c *Client) safeInbound(ctx context.Context, d *InboundDelivery) (hr *wire.HandlerResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			hr, err = nil, derror.PanicToError(r)
		}
	}()
	return c.cfg.Inbound(ctx, d)
}

// Stop tears the connection down and fails every pending future with
// bridge_stopped. Safe to call more than once; Run exits when it notices.
func (c *Client) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]*ackFuture)
	disc := c.disc
	c.disc = make(map[string]*discoveryFuture)
	c.state = StateDisconnected
	c.mu.Unlock()

	stateGauge.Set(float64(StateDisconnected))
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stopping"),
			dtime.Now().Add(time.Second))
		_ = conn.Close()
	}
	for _, fut := range pending {
		fut.resolve(&wire.AckRecord{Status: wire.StatusBridgeStopped, Error: "bridge stopped"})
	}
	for _, fut := range disc {
		fut.resolve(&DiscoveryResult{Ok: false, Status: wire.StatusBridgeStopped})
	}
	dlog.Infof(ctx, "!! BRIDGE stopped")
}

func (c *Client) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) removeDiscovery(id string) {
	c.mu.Lock()
	delete(c.disc, id)
	c.mu.Unlock()
}

func (c *Client) setState(ctx context.Context, s State) {
	c.mu.Lock()
	old := c.state
	c.state = s
	c.mu.Unlock()
	if old != s {
		stateGauge.Set(float64(s))
		dlog.Debugf(ctx, "BRIDGE state %s -> %s", old, s)
	}
}

func (c *Client) write(conn *websocket.Conn, f *relayFrame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(dtime.Now().Add(relayWriteWait))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// ReconnectDelay is the backoff before reconnect attempt n, doubling from
// base and capped at max.
func ReconnectDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// SanitizeDeviceID uppercases a device id and strips everything outside
// [A-Z0-9_-], the only charset the relay accepts.
func SanitizeDeviceID(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
