// Package dispatch implements the ConnectionDispatcher: classify each
// accepted TCP connection's first HTTP request into a registry or proxy
// session, gate it behind the configured auth token, perform the RFC 6455
// server handshake, and hand the live connection off to its session.
package dispatch

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/csells/hyper-pi/internal/wsproto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maxRequestBytes = 8 << 10

// Kind is the session type a request was classified into.
type Kind int

const (
	KindRegistry Kind = iota
	KindProxy
)

func kindString(k Kind) string {
	if k == KindProxy {
		return "proxy"
	}
	return "registry"
}

// Handlers are the callbacks invoked once a connection has been classified,
// authenticated, and upgraded. Handle calls the matching handler
// synchronously and returns when it does; the accept loop runs each Handle
// call in its own goroutine, so a handler may block for the lifetime of its
// connection without holding up other accepts.
type Handlers struct {
	Registry func(conn net.Conn)
	Proxy    func(conn net.Conn, nodeID string)
}

// Dispatcher owns the shared auth secret and session handlers.
type Dispatcher struct {
	Token    string
	Handlers Handlers
	Logger   zerolog.Logger
}

// New constructs a Dispatcher. An empty token disables authentication.
func New(token string, handlers Handlers, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{Token: token, Handlers: handlers, Logger: logger.With().Str("component", "dispatch").Logger()}
}

// Handle reads the first request off conn, authenticates it, classifies it,
// performs the server handshake, and dispatches to the matching session
// handler. It owns conn's lifecycle on every rejection path; on acceptance,
// ownership passes to the session handler.
//
// The auth gate runs ahead of routing and applies to every path: a
// connection whose query lacks a matching token is rejected with 401
// regardless of whether the path would otherwise classify or 404. A request
// that never yields any bytes (read error or immediate peer close) is
// dropped silently; a request that yields bytes but doesn't parse as valid
// HTTP falls back to a lenient first-line scan so it still gets a real
// response (401 if unauthenticated, 404 otherwise) instead of a silent
// drop.
func (d *Dispatcher) Handle(conn net.Conn) {
	connID := uuid.New().String()
	log := d.Logger.With().Str("conn_id", connID).Logger()

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("no request read from connection")
		conn.Close()
		return
	}

	req, err := parseRequest(buf[:n])
	if err != nil {
		log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("unparseable request, falling back to lenient URI scan")
	}

	if d.Token != "" && req.URL.Query().Get("token") != d.Token {
		log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("rejecting connection with bad token")
		d.reject(conn, http.StatusUnauthorized, "Unauthorized")
		return
	}

	kind, nodeID, rejectStatus, rejectBody := classify(req)
	if rejectStatus != 0 {
		log.Debug().Int("status", rejectStatus).Str("path", req.URL.Path).Msg("rejecting connection")
		d.reject(conn, rejectStatus, rejectBody)
		return
	}

	clientKey := req.Header.Get("Sec-WebSocket-Key")
	if clientKey == "" {
		d.reject(conn, http.StatusBadRequest, "Bad Request")
		return
	}
	if err := wsproto.WriteServerAccept(conn, clientKey); err != nil {
		log.Warn().Err(err).Msg("failed to write handshake accept")
		conn.Close()
		return
	}

	log.Info().Str("kind", kindString(kind)).Str("node_id", nodeID).Msg("connection upgraded")

	conn.SetReadDeadline(time.Time{})

	switch kind {
	case KindRegistry:
		d.Handlers.Registry(conn)
	case KindProxy:
		d.Handlers.Proxy(conn, nodeID)
	}
}

// parseRequest parses raw off-the-wire bytes as an HTTP request. If they
// don't form a well-formed request (malformed request line, truncated
// headers, anything http.ReadRequest rejects), it falls back to a lenient
// scan of the request line alone for a path and query string, returning a
// request carrying just that URL — enough for the auth gate and classify to
// still produce a real response rather than nothing at all.
func parseRequest(raw []byte) (*http.Request, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err == nil {
		return req, nil
	}
	return &http.Request{URL: scanRequestURI(raw), Header: http.Header{}}, err
}

// scanRequestURI extracts the request-line's URI the way a tolerant peer
// would: split the first line on whitespace and take the second token,
// falling back to "/" if the line doesn't even have one. This is deliberately
// forgiving of otherwise-invalid HTTP so garbage input still routes to a
// definite 404 (or 401, if a token is configured) instead of being dropped.
func scanRequestURI(raw []byte) *url.URL {
	line := raw
	if i := bytes.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}

	fields := strings.Fields(string(line))
	uri := "/"
	if len(fields) >= 2 {
		uri = fields[1]
	}

	u, err := url.ParseRequestURI(uri)
	if err != nil {
		return &url.URL{Path: "/"}
	}
	return u
}

// classify inspects the parsed request and returns either a session kind
// (with rejectStatus == 0) or an HTTP rejection (status/body), matching the
// table in SPEC_FULL.md §4.1.
func classify(req *http.Request) (kind Kind, nodeID string, rejectStatus int, rejectBody string) {
	path := req.URL.Path

	switch {
	case path == "/ws":
		return KindRegistry, "", 0, ""
	case strings.HasPrefix(path, "/ws/agent/"):
		id := strings.TrimPrefix(path, "/ws/agent/")
		if id == "" {
			return 0, "", http.StatusBadRequest, "Missing node ID"
		}
		return KindProxy, id, 0, ""
	default:
		return 0, "", http.StatusNotFound, "Not Found"
	}
}

func (d *Dispatcher) reject(conn net.Conn, status int, body string) {
	_ = wsproto.WriteHTTPError(conn, status, http.StatusText(status), body)
	conn.Close()
}
