package wsproto

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/gobwas/ws"
)

// Role identifies which side of a connection this process is playing.
// The mask bit differs by role: a connection where we are the server reads
// masked frames and writes unmasked ones; a connection where we are the
// client does the opposite. ProxySession runs both roles at once, one per
// leg, which is the whole reason mask-role translation exists.
type Role int

const (
	// RoleServer is this process acting as the WebSocket server: reads
	// masked (client) frames, writes unmasked (server) frames.
	RoleServer Role = iota
	// RoleClient is this process acting as the WebSocket client: reads
	// unmasked (server) frames, writes masked (client) frames.
	RoleClient
)

const maxControlPayload = 125

// MaxMessageBytes bounds reassembled message size to guard against a
// fragmented-frame memory exhaustion attack from either peer.
const MaxMessageBytes = 16 << 20

// ReadMessage reads one complete WebSocket message, reassembling
// continuation frames for fragmented data messages. Control frames
// (ping/pong/close) are never fragmented per RFC 6455 and are returned as
// soon as their single frame is read. The caller is responsible for acting
// on the returned opcode (echoing pings, closing on OpClose, etc).
func ReadMessage(r io.Reader, role Role) (ws.OpCode, []byte, error) {
	var (
		assembled []byte
		dataOp    ws.OpCode
		started   bool
	)

	for {
		h, err := ws.ReadHeader(r)
		if err != nil {
			return 0, nil, err
		}
		if err := validateMask(h, role); err != nil {
			return 0, nil, err
		}
		if h.Length > MaxMessageBytes {
			return 0, nil, fmt.Errorf("frame length %d exceeds limit", h.Length)
		}

		payload := make([]byte, h.Length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
		if h.Masked {
			ws.Cipher(payload, h.Mask, 0)
		}

		switch h.OpCode {
		case ws.OpPing, ws.OpPong, ws.OpClose:
			return h.OpCode, payload, nil
		case ws.OpContinuation:
			if !started {
				return 0, nil, fmt.Errorf("continuation frame without a start frame")
			}
			assembled = append(assembled, payload...)
			if len(assembled) > MaxMessageBytes {
				return 0, nil, fmt.Errorf("reassembled message exceeds limit")
			}
		default: // OpText, OpBinary
			if started {
				return 0, nil, fmt.Errorf("unexpected new data frame mid-fragmentation")
			}
			started = true
			dataOp = h.OpCode
			assembled = payload
		}

		if h.Fin {
			return dataOp, assembled, nil
		}
	}
}

func validateMask(h ws.Header, role Role) error {
	// A peer talking to us as a server must mask; a peer talking to us as
	// a client must not. We tolerate rather than hard-fail on the latter
	// since loopback agents vary in strictness, mirroring the "accepting
	// any 101 status is sufficient" leniency in the handshake engine.
	if role == RoleServer && !h.Masked {
		return fmt.Errorf("received unmasked frame from client peer")
	}
	return nil
}

// WriteMessage writes a single, unfragmented frame carrying the given
// opcode and payload, applying the mask the receiving peer expects for our
// role.
func WriteMessage(w io.Writer, role Role, op ws.OpCode, payload []byte) error {
	h := ws.Header{
		Fin:    true,
		OpCode: op,
		Length: int64(len(payload)),
	}

	var out []byte
	if role == RoleClient {
		var mask [4]byte
		if _, err := rand.Read(mask[:]); err != nil {
			return err
		}
		h.Masked = true
		h.Mask = mask
		out = make([]byte, len(payload))
		copy(out, payload)
		ws.Cipher(out, mask, 0)
	} else {
		out = payload
	}

	if err := ws.WriteHeader(w, h); err != nil {
		return err
	}
	_, err := w.Write(out)
	return err
}

// WriteText is a convenience wrapper for the common case of sending a JSON
// text frame.
func WriteText(w io.Writer, role Role, payload []byte) error {
	return WriteMessage(w, role, ws.OpText, payload)
}

// WritePong echoes a ping's payload back as a pong.
func WritePong(w io.Writer, role Role, payload []byte) error {
	return WriteMessage(w, role, ws.OpPong, payload)
}

// WriteClose writes a close frame with the given status code and reason,
// truncating the reason if needed to fit the control-frame payload limit.
func WriteClose(w io.Writer, role Role, code ws.StatusCode, reason string) error {
	body := ws.NewCloseFrameBody(code, reason)
	if len(body) > maxControlPayload {
		body = body[:maxControlPayload]
	}
	return WriteMessage(w, role, ws.OpClose, body)
}
