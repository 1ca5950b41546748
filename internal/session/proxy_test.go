package session

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/csells/hyper-pi/internal/registry"
	"github.com/csells/hyper-pi/internal/wsproto"
	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
)

// startEchoAgent starts a bare WebSocket server on an ephemeral loopback
// port that performs the server handshake and echoes back every text
// frame it receives, standing in for a real agent's own WebSocket server.
func startEchoAgent(t *testing.T) (port uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		key := extractKey(string(buf[:n]))
		if err := wsproto.WriteServerAccept(conn, key); err != nil {
			return
		}

		for {
			op, payload, err := wsproto.ReadMessage(conn, wsproto.RoleServer)
			if err != nil {
				return
			}
			if op == ws.OpText {
				if err := wsproto.WriteMessage(conn, wsproto.RoleServer, ws.OpText, payload); err != nil {
					return
				}
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return uint16(addr.Port)
}

func extractKey(req string) string {
	const marker = "Sec-WebSocket-Key: "
	i := indexOf(req, marker)
	if i < 0 {
		return ""
	}
	rest := req[i+len(marker):]
	end := indexOf(rest, "\r\n")
	if end < 0 {
		return rest
	}
	return rest[:end]
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func TestProxy_UnknownAgent(t *testing.T) {
	table := registry.NewTable()
	server, client := net.Pipe()

	done := make(chan struct{})
	go func() {
		NewProxy(server, "ghost", table, zerolog.Nop()).Run()
		close(done)
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := wsproto.ReadMessage(client, wsproto.RoleClient)
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var evt map[string]string
	json.Unmarshal(payload, &evt)
	if evt["error"] != "Agent not found" {
		t.Errorf("error = %q, want %q", evt["error"], "Agent not found")
	}
	client.Close()
	<-done
}

func TestProxy_OfflineAgent(t *testing.T) {
	table := registry.NewTable()
	table.Register(registry.NodeInfo{ID: "n1", Machine: "127.0.0.1", Port: 1})
	table.MarkOffline("n1")

	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		NewProxy(server, "n1", table, zerolog.Nop()).Run()
		close(done)
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := wsproto.ReadMessage(client, wsproto.RoleClient)
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var evt map[string]string
	json.Unmarshal(payload, &evt)
	if evt["error"] != "Agent is offline" {
		t.Errorf("error = %q, want %q", evt["error"], "Agent is offline")
	}
	client.Close()
	<-done
}

func TestProxy_EchoRoundTrip(t *testing.T) {
	port := startEchoAgent(t)

	table := registry.NewTable()
	table.Register(registry.NodeInfo{ID: "e", Machine: "127.0.0.1", Port: port, Status: registry.StatusActive})

	serverConn, dashboardConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		NewProxy(serverConn, "e", table, zerolog.Nop()).Run()
		close(done)
	}()
	defer func() {
		dashboardConn.Close()
		<-done
	}()

	if err := wsproto.WriteMessage(dashboardConn, wsproto.RoleClient, ws.OpText, []byte("hello")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	dashboardConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	op, payload, err := wsproto.ReadMessage(dashboardConn, wsproto.RoleClient)
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if op != ws.OpText || string(payload) != "hello" {
		t.Errorf("got (%v, %q), want (OpText, hello)", op, payload)
	}
}
