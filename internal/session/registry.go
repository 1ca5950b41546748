// Package session implements the two session types a ConnectionDispatcher
// hands a live connection to: RegistrySession (dashboards and agents
// speaking the JSON RPC/event protocol) and ProxySession (a dashboard
// relayed transparently to an agent's own WebSocket server).
package session

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/csells/hyper-pi/internal/bus"
	"github.com/csells/hyper-pi/internal/registry"
	"github.com/csells/hyper-pi/internal/rpc"
	"github.com/csells/hyper-pi/internal/wsproto"
	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
)

const readPollInterval = 1500 * time.Millisecond

// Registry runs one RegistrySession: a read activity that decodes inbound
// frames and dispatches RPCs, cooperating with a broadcast activity that
// relays every bus event to this connection, both writing through a single
// mutex-gated socket writer.
type Registry struct {
	conn       net.Conn
	table      *registry.Table
	bus        *bus.Bus
	dispatcher *rpc.Dispatcher
	logger     zerolog.Logger

	writeMu sync.Mutex

	mu           sync.Mutex
	registeredID *string
}

// NewRegistry constructs a Registry session bound to an already-upgraded
// connection.
func NewRegistry(conn net.Conn, table *registry.Table, b *bus.Bus, dispatcher *rpc.Dispatcher, logger zerolog.Logger) *Registry {
	return &Registry{
		conn:       conn,
		table:      table,
		bus:        b,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "registry_session").Logger(),
	}
}

// Run drives the session to completion: startup, concurrent read and
// broadcast activities, and the ordered teardown sequence on exit. It
// blocks until the connection is fully torn down.
func (s *Registry) Run() {
	defer s.conn.Close()

	if err := s.sendInit(); err != nil {
		s.logger.Debug().Err(err).Msg("init send failed, aborting session")
		return
	}

	sub := s.bus.Subscribe()
	done := make(chan struct{})
	go s.forwardBroadcasts(sub, done)

	s.readLoop()

	s.teardown(sub, done)
}

func (s *Registry) sendInit() error {
	payload, err := json.Marshal(map[string]any{
		"event":            "init",
		"nodes":            s.table.Snapshot(),
		"protocol_version": "1",
	})
	if err != nil {
		return err
	}
	return s.writeText(payload)
}

func (s *Registry) writeText(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsproto.WriteText(s.conn, wsproto.RoleServer, payload)
}

func (s *Registry) writePong(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsproto.WritePong(s.conn, wsproto.RoleServer, payload)
}

// forwardBroadcasts relays bus events to this connection as text frames
// until the subscription is closed (teardown's signal to stop) or a write
// fails, then signals done. Closing the subscription, rather than a
// separate stop channel, guarantees any event already enqueued by a
// Publish that returned before the close is still delivered: Receive keeps
// draining buffered messages and only reports !ok once the queue is empty.
func (s *Registry) forwardBroadcasts(sub *bus.Subscription, done chan<- struct{}) {
	defer close(done)
	for {
		msg, ok := sub.Receive()
		if !ok {
			return
		}
		if err := s.writeText([]byte(msg)); err != nil {
			return
		}
	}
}

// readLoop decodes inbound frames until the connection closes, errors, or
// sends a close frame. Reads use a short deadline purely so the activity
// periodically wakes up; a timeout is not a protocol-level error.
func (s *Registry) readLoop() {
	for {
		s.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		op, payload, err := wsproto.ReadMessage(s.conn, wsproto.RoleServer)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		switch op {
		case ws.OpText:
			s.handleText(payload)
		case ws.OpPing:
			if err := s.writePong(payload); err != nil {
				return
			}
			s.touchBoundNode()
		case ws.OpClose:
			return
		case ws.OpBinary:
			// Registry protocol is text-only; binary frames are ignored.
		}
	}
}

func (s *Registry) handleText(raw []byte) {
	resp, registeredID, ok := rpc.Dispatch(s.dispatcher, raw)
	if !ok {
		return
	}
	if registeredID != nil {
		s.mu.Lock()
		s.registeredID = registeredID
		s.mu.Unlock()
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return
	}
	s.writeText(out)
}

func (s *Registry) touchBoundNode() {
	s.mu.Lock()
	id := s.registeredID
	s.mu.Unlock()
	if id != nil {
		s.table.Touch(*id)
	}
}

// teardown implements the ordered disconnect sequence from SPEC_FULL.md
// §4.5: mark the bound node offline and publish node_offline before
// stopping the broadcast activity, so other subscribers observe the event
// before this connection's own forwarder exits.
func (s *Registry) teardown(sub *bus.Subscription, done <-chan struct{}) {
	s.mu.Lock()
	id := s.registeredID
	s.mu.Unlock()

	if id != nil && s.table.MarkOffline(*id) {
		payload, _ := json.Marshal(map[string]any{"event": "node_offline", "id": *id})
		s.bus.Publish(string(payload))
	}

	sub.Close()
	<-done

	if tcp, ok := s.conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}
}
