package session

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/csells/hyper-pi/internal/registry"
	"github.com/csells/hyper-pi/internal/wsproto"
	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
)

const backendDialTimeout = 5 * time.Second

// Proxy runs one ProxySession: resolve the named node, dial its agent
// WebSocket server, complete a client-side handshake with it, and relay
// frames in both directions, terminating and re-encoding each frame so the
// mask bit matches the role each receiver expects.
type Proxy struct {
	conn   net.Conn
	nodeID string
	table  *registry.Table
	logger zerolog.Logger
}

// NewProxy constructs a Proxy session bound to an already-upgraded
// dashboard connection.
func NewProxy(conn net.Conn, nodeID string, table *registry.Table, logger zerolog.Logger) *Proxy {
	return &Proxy{
		conn:   conn,
		nodeID: nodeID,
		table:  table,
		logger: logger.With().Str("component", "proxy_session").Str("node_id", nodeID).Logger(),
	}
}

// Run drives the proxy session to completion.
func (p *Proxy) Run() {
	defer p.conn.Close()

	node, ok := p.table.Get(p.nodeID)
	if !ok {
		p.sendError("Agent not found")
		return
	}
	if node.Status != registry.StatusActive {
		p.sendError("Agent is offline")
		return
	}

	backend, err := p.dialAgent(node)
	if err != nil {
		p.sendError(fmt.Sprintf("Cannot reach agent: %s", err))
		return
	}
	defer backend.Close()

	p.relay(backend)
}

func (p *Proxy) sendError(msg string) {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	_ = wsproto.WriteText(p.conn, wsproto.RoleServer, payload)
}

// dialAgent opens a TCP connection to the node's own WebSocket server and
// completes a client-initiated handshake against it.
func (p *Proxy) dialAgent(node registry.NodeInfo) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", node.Machine, node.Port)
	backend, err := net.DialTimeout("tcp", addr, backendDialTimeout)
	if err != nil {
		return nil, err
	}

	key, err := wsproto.NewClientKey()
	if err != nil {
		backend.Close()
		return nil, err
	}
	if _, err := backend.Write(wsproto.BuildClientHandshake(addr, key)); err != nil {
		backend.Close()
		return nil, err
	}

	backend.SetReadDeadline(time.Now().Add(backendDialTimeout))
	resp, _, err := wsproto.ReadHandshakeResponse(backend, 4<<10)
	backend.SetReadDeadline(time.Time{})
	if err != nil || !wsproto.ValidateClientHandshakeResponse(resp) {
		backend.Close()
		if err == nil {
			err = fmt.Errorf("handshake rejected")
		}
		return nil, fmt.Errorf("Agent handshake failed: %w", err)
	}

	return backend, nil
}

// relay runs the two full-duplex forwarding activities and blocks until
// either side closes or errors, at which point it shuts both down.
func (p *Proxy) relay(backend net.Conn) {
	errCh := make(chan error, 2)

	go p.forward(backend, p.conn, wsproto.RoleClient, wsproto.RoleServer, errCh, "agent->dashboard")
	go p.forward(p.conn, backend, wsproto.RoleServer, wsproto.RoleClient, errCh, "dashboard->agent")

	<-errCh

	// Force whichever activity is still blocked in a read to unblock, so
	// both tear down together rather than one leaking.
	if tcp, ok := backend.(*net.TCPConn); ok {
		tcp.Close()
	}
	if tcp, ok := p.conn.(*net.TCPConn); ok {
		tcp.Close()
	}
}

// forward decodes frames from src (read under readRole) and relays Text
// and Binary payloads to dst by re-encoding under writeRole; Pings from src
// are answered with Pongs sent back to src. This is the mask-role
// translation the proxy exists for: splicing src's raw bytes to dst would
// carry the wrong mask bit whenever the roles differ.
func (p *Proxy) forward(src, dst net.Conn, readRole, writeRole wsproto.Role, errCh chan<- error, direction string) {
	for {
		op, payload, err := wsproto.ReadMessage(src, readRole)
		if err != nil {
			errCh <- err
			return
		}

		switch op {
		case ws.OpText, ws.OpBinary:
			if err := wsproto.WriteMessage(dst, writeRole, op, payload); err != nil {
				errCh <- err
				return
			}
		case ws.OpPing:
			if err := wsproto.WriteMessage(src, readRole, ws.OpPong, payload); err != nil {
				errCh <- err
				return
			}
		case ws.OpClose:
			errCh <- fmt.Errorf("%s: closed", direction)
			return
		}
	}
}
