package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/anamnesos/hivemind/pkg/config"
	"github.com/anamnesos/hivemind/pkg/ioutil"
	"github.com/anamnesos/hivemind/pkg/registry"
	"github.com/anamnesos/hivemind/pkg/roles"
	"github.com/anamnesos/hivemind/pkg/wire"
)

const hubReplyTimeout = 5 * time.Second

type statusOptions struct {
	port int
}

func statusCommand() *cobra.Command {
	opts := statusOptions{}
	cmd := &cobra.Command{
		Use:  "status [target...]",
		Args: cobra.ArbitraryArgs,

		Short: "Show hub and route health",
		Long: `Status dials the local hub and probes route health for the given targets, or
for every canonical role when none are given. A target is a role name or
alias, or a pane id like 2.`,
		RunE: opts.run,
	}
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0,
		"Port the hub listens on. Defaults to the configured port.")
	return cmd
}

func (o *statusOptions) run(cmd *cobra.Command, args []string) error {
	c := cmd.Context()
	out := cmd.OutOrStdout()

	port, err := hubPort(c, o.port)
	if err != nil {
		return err
	}
	hc, err := dialHub(c, port)
	if err != nil {
		ioutil.Printf(out, "Hub: Not running (port %d)\n", port)
		return nil
	}
	defer hc.close()

	targets := args
	if len(targets) == 0 {
		for _, r := range roles.All() {
			targets = append(targets, string(r))
		}
	}

	ioutil.Println(out, "Hub: Running")
	kvf := ioutil.DefaultKeyValueFormatter()
	kvf.Prefix = "  "
	kvf.Add("Address", hc.addr)
	kvf.Add("Version", hc.serverVersion)
	for _, target := range targets {
		res, err := hc.healthCheck(target)
		if err != nil {
			return err
		}
		kvf.Add(target, describeHealth(res))
	}
	kvf.Println(out)
	return nil
}

// hubPort resolves the port to probe: the flag when given, otherwise
// whatever the configuration says.
func hubPort(c context.Context, flag int) (int, error) {
	if flag != 0 {
		return flag, nil
	}
	cfg, err := config.LoadConfig(c)
	if err != nil {
		return 0, err
	}
	return cfg.Comms.Port, nil
}

// hubConn is a short-lived client connection used by the status and version
// commands. The hub greets every connection with a welcome frame before
// anything else, so the greeting is consumed when dialing.
type hubConn struct {
	conn          *websocket.Conn
	addr          string
	serverVersion string
}

func dialHub(c context.Context, port int) (*hubConn, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	conn, resp, err := websocket.DefaultDialer.DialContext(c, "ws://"+addr+"/", nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(hubReplyTimeout))
	var w struct {
		Type          string `json:"type"`
		ServerVersion string `json:"serverVersion"`
	}
	if err := conn.ReadJSON(&w); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if w.Type != wire.TypeWelcome {
		_ = conn.Close()
		return nil, fmt.Errorf("expected a welcome frame, got %q", w.Type)
	}
	return &hubConn{conn: conn, addr: addr, serverVersion: w.ServerVersion}, nil
}

func (h *hubConn) close() {
	_ = h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = h.conn.Close()
}

// healthCheck probes one target and waits for the matching result. Frames of
// other types are skipped; replies arrive in request order but matching on
// requestId keeps this robust against server-initiated traffic.
func (h *hubConn) healthCheck(target string) (*wire.HealthCheckResult, error) {
	req := &wire.Frame{Type: wire.TypeHealthCheck, RequestID: "status-" + target, Target: target}
	if err := h.conn.WriteJSON(req); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(hubReplyTimeout)
	for {
		_ = h.conn.SetReadDeadline(deadline)
		var res wire.HealthCheckResult
		if err := h.conn.ReadJSON(&res); err != nil {
			return nil, err
		}
		if res.Type == wire.TypeHealthCheckResult && res.RequestID == req.RequestID {
			return &res, nil
		}
	}
}

func describeHealth(res *wire.HealthCheckResult) string {
	switch res.Status {
	case registry.HealthHealthy, registry.HealthStale:
		age := time.Duration(res.AgeMs) * time.Millisecond
		if res.PaneID != "" {
			return fmt.Sprintf("%s (pane %s, seen %s ago)", res.Status, res.PaneID, age)
		}
		return fmt.Sprintf("%s (seen %s ago)", res.Status, age)
	case registry.HealthNoRoute:
		return "no route"
	case registry.HealthInvalidTarget:
		return "invalid target"
	default:
		return res.Status
	}
}
