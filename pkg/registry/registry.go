// Package registry tracks the clients connected to the hub and answers the
// one question everything else keeps asking: is anyone listening for target
// X right now?
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"

	"github.com/anamnesos/hivemind/pkg/roles"
)

// DefaultStaleAfter is how old a client's lastSeen may be before a
// health-check reports the route stale.
const DefaultStaleAfter = 60 * time.Second

// Touch sources, recorded for debugging.
const (
	TouchMessage     = "message"
	TouchRegister    = "register"
	TouchHealthCheck = "health-check"
)

// Route health statuses.
const (
	HealthHealthy       = "healthy"
	HealthStale         = "stale"
	HealthNoRoute       = "no_route"
	HealthInvalidTarget = "invalid_target"
)

// RouteHealth describes the liveness of whatever answers to a target.
type RouteHealth struct {
	Target     string
	Healthy    bool
	Status     string
	Role       roles.Role
	PaneID     string
	LastSeen   time.Time
	Age        time.Duration
	StaleAfter time.Duration
}

// Registry is the authoritative client table. All access goes through its
// lock; Client identity fields have their own.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	seq     int
	sendBuf int
}

func New(sendBuf int) *Registry {
	if sendBuf < 1 {
		sendBuf = 64
	}
	return &Registry{
		clients: make(map[string]*Client),
		sendBuf: sendBuf,
	}
}

// Add creates a Client for a freshly accepted connection and returns it with
// its ephemeral connection id assigned.
func (r *Registry) Add(ctx context.Context) *Client {
	r.mu.Lock()
	r.seq++
	c := newClient(fmt.Sprintf("conn-%d", r.seq), dtime.Now(), r.sendBuf)
	r.clients[c.ID] = c
	n := len(r.clients)
	r.mu.Unlock()
	dlog.Debugf(ctx, "++ CONN %s (count now is %d)", c.ID, n)
	return c
}

// Register assigns role and pane to a connection. It never fails: both
// inputs are normalized, a missing half is filled in from the canonical map,
// and an unknown role is stored empty so that routeHealth reports no_route
// rather than an error.
func (r *Registry) Register(ctx context.Context, connID, rawRole, rawPane string) (roles.Role, string) {
	role, _ := roles.Normalize(rawRole)
	paneID := strings.TrimSpace(rawPane)
	if paneID == "" && role != "" {
		paneID = roles.PaneFor(role)
	}
	if role == "" && paneID != "" {
		role = roles.RoleFor(paneID)
	}

	r.mu.RLock()
	c := r.clients[connID]
	r.mu.RUnlock()
	if c == nil {
		return role, paneID
	}
	c.setIdentity(role, paneID)
	c.touch(dtime.Now())
	dlog.Debugf(ctx, "REG %s role=%q pane=%q", connID, role, paneID)
	return role, paneID
}

// Lookup resolves a target to every client answering to it. The target may
// be a role (any alias, any case) or a paneId. Multiple clients may share a
// role; all of them are returned.
func (r *Registry) Lookup(target string) []*Client {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil
	}
	role, _ := roles.Normalize(target)
	pane := target

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Client
	for _, c := range r.clients {
		if c.Closed() {
			continue
		}
		if c.matches(role, pane) {
			out = append(out, c)
		}
	}
	return out
}

// Touch refreshes a connection's lastSeen.
func (r *Registry) Touch(ctx context.Context, connID, source string) {
	r.mu.RLock()
	c := r.clients[connID]
	r.mu.RUnlock()
	if c != nil {
		c.touch(dtime.Now())
		dlog.Tracef(ctx, "TOUCH %s (%s)", connID, source)
	}
}

// RouteHealth reports whether anything answers to target, and how fresh it
// is. With several matches the freshest one is reported.
func (r *Registry) RouteHealth(target string, staleAfter time.Duration) RouteHealth {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	h := RouteHealth{Target: strings.TrimSpace(target), StaleAfter: staleAfter}
	if h.Target == "" {
		h.Status = HealthInvalidTarget
		return h
	}
	matches := r.Lookup(h.Target)
	if len(matches) == 0 {
		h.Status = HealthNoRoute
		return h
	}
	best := matches[0]
	for _, c := range matches[1:] {
		if c.LastSeen().After(best.LastSeen()) {
			best = c
		}
	}
	h.Role = best.Role()
	h.PaneID = best.PaneID()
	h.LastSeen = best.LastSeen()
	h.Age = dtime.Now().Sub(h.LastSeen)
	if h.Age <= staleAfter {
		h.Healthy = true
		h.Status = HealthHealthy
	} else {
		h.Status = HealthStale
	}
	return h
}

// Remove drops a connection from the table and closes its outbound channel.
func (r *Registry) Remove(ctx context.Context, connID string) {
	r.mu.Lock()
	c := r.clients[connID]
	delete(r.clients, connID)
	n := len(r.clients)
	r.mu.Unlock()
	if c != nil {
		c.CloseSend()
		dlog.Debugf(ctx, "-- CONN %s (count now is %d)", connID, n)
	}
}

// Snapshot returns the current clients in no particular order.
func (r *Registry) Snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Get(connID string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[connID]
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll empties the table and returns the removed clients so the caller
// can close their sockets.
func (r *Registry) CloseAll(ctx context.Context) []*Client {
	r.mu.Lock()
	out := make([]*Client, 0, len(r.clients))
	for id, c := range r.clients {
		out = append(out, c)
		delete(r.clients, id)
	}
	r.mu.Unlock()
	for _, c := range out {
		c.CloseSend()
	}
	if len(out) > 0 {
		dlog.Debugf(ctx, "-- CONN all (%d closed)", len(out))
	}
	return out
}
