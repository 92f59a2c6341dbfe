package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/anamnesos/hivemind/pkg/roles"
)

// Client is one registered WebSocket connection. The registry owns the
// Client; the hub owns the socket behind it. Frames travel to the socket
// through a buffered outbound channel drained by the hub's write pump, so a
// slow client can never block a dispatch.
type Client struct {
	ID string

	mu          sync.Mutex
	role        roles.Role
	paneID      string
	connectedAt time.Time
	lastSeen    time.Time

	sendCh chan []byte
	closed atomic.Bool
}

func newClient(id string, now time.Time, sendBuf int) *Client {
	return &Client{
		ID:          id,
		connectedAt: now,
		lastSeen:    now,
		sendCh:      make(chan []byte, sendBuf),
	}
}

// SafeSend queues raw for delivery and reports success. It never blocks: a
// full outbound buffer or a closed client counts as a failed delivery.
func (c *Client) SafeSend(raw []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.sendCh <- raw:
		return true
	default:
		return false
	}
}

// Outbound is the channel the hub's write pump drains.
func (c *Client) Outbound() <-chan []byte {
	return c.sendCh
}

// CloseSend marks the client closed and releases its write pump. Safe to
// call more than once.
func (c *Client) CloseSend() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.sendCh)
	}
}

func (c *Client) Closed() bool {
	return c.closed.Load()
}

func (c *Client) setIdentity(role roles.Role, paneID string) {
	c.mu.Lock()
	c.role = role
	c.paneID = paneID
	c.mu.Unlock()
}

func (c *Client) touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

func (c *Client) Role() roles.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Client) PaneID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paneID
}

func (c *Client) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *Client) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// matches reports whether the client answers to the given normalized target:
// either its canonical role or its pane, compared case-insensitively by the
// caller.
func (c *Client) matches(role roles.Role, paneID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if role != "" && c.role == role {
		return true
	}
	return paneID != "" && c.paneID == paneID
}
