package net

import (
	"bufio"
	"context"
	"net"
)

func init() {
	registerTransport(ProtocolTCP, NewTCPTransport)
}

// NewTCPTransport creates a TCP server or client transport. Frames are a
// 4-byte big-endian length followed by the payload.
func NewTCPTransport(setup *TransportSetup) (Transport, error) {
	t := newStreamTransport(setup)
	t.listen = listenTCP
	t.dial = dialTCP
	return t, nil
}

func listenTCP(ctx context.Context, addr string) (streamListener, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{l: l}, nil
}

func dialTCP(ctx context.Context, addr string) (frameConn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newTCPConn(c), nil
}

type tcpListener struct {
	l net.Listener
}

func (l *tcpListener) Accept() (frameConn, error) {
	c, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	return newTCPConn(c), nil
}

func (l *tcpListener) Close() error   { return l.l.Close() }
func (l *tcpListener) Addr() net.Addr { return l.l.Addr() }

// tcpConn frames a net.Conn. The reader side is owned by the recv goroutine,
// the write buffer by the send goroutine.
type tcpConn struct {
	net.Conn
	r    *bufio.Reader
	hdr  [PreHeadSize]byte
	wbuf []byte
}

func newTCPConn(c net.Conn) *tcpConn {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &tcpConn{Conn: c, r: bufio.NewReader(c)}
}

func (c *tcpConn) ReadFrame(maxLen int) ([]byte, error) {
	return ReadFrame(c.r, c.hdr[:], maxLen)
}

// WriteFrame writes prefix and payload with one Write.
func (c *tcpConn) WriteFrame(payload []byte) error {
	c.wbuf = AppendFrame(c.wbuf[:0], payload)
	_, err := c.Conn.Write(c.wbuf)
	if cap(c.wbuf) > 4*DefaultMaxFrameLen {
		c.wbuf = nil
	}
	return err
}
