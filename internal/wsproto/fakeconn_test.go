package wsproto

import (
	"net"
	"strings"
	"time"
)

// fakeConn adapts a strings.Reader to net.Conn for tests that only need the
// Read side of the interface.
type fakeConn struct {
	*strings.Reader
}

func newFakeConn(data string) *fakeConn {
	return &fakeConn{Reader: strings.NewReader(data)}
}

func (f *fakeConn) Write(p []byte) (int, error)        { return len(p), nil }
func (f *fakeConn) Close() error                       { return nil }
func (f *fakeConn) LocalAddr() net.Addr                { return nil }
func (f *fakeConn) RemoteAddr() net.Addr               { return nil }
func (f *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }
