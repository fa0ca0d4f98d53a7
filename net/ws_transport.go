//go:build !nowebsocket

package net

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

func init() {
	registerTransport(ProtocolWebSocket, NewWSTransport)
}

const wsCloseGrace = time.Second

// NewWSTransport creates a WebSocket server or client transport. Every
// binary or text message carries one or more length-prefixed frames.
func NewWSTransport(setup *TransportSetup) (Transport, error) {
	cfg := setup.Cfg
	t := newStreamTransport(setup)
	// gorilla keeps returning the first read error, a deadline included.
	t.stickyTimeouts = true
	t.listen = func(ctx context.Context, addr string) (streamListener, error) {
		return listenWS(ctx, addr, cfg)
	}
	t.dial = func(ctx context.Context, addr string) (frameConn, error) {
		return dialWS(ctx, addr, cfg)
	}
	return t, nil
}

// wsListener serves upgrades on an http.Server and hands the upgraded
// connections to Accept.
type wsListener struct {
	srv       *http.Server
	ln        net.Listener
	conns     chan *wsConn
	done      chan struct{}
	closeOnce sync.Once
}

func listenWS(ctx context.Context, addr string, cfg *NodeCfg) (streamListener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &wsListener{
		ln:    ln,
		conns: make(chan *wsConn),
		done:  make(chan struct{}),
	}
	upgrader := websocket.Upgrader{
		HandshakeTimeout: cfg.DialTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		wc := newWSConn(c, cfg.MaxFrameLen)
		select {
		case l.conns <- wc:
		case <-l.done:
			_ = c.Close()
		}
	})
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: cfg.DialTimeout}
	go func() { _ = l.srv.Serve(ln) }()
	return l, nil
}

func (l *wsListener) Accept() (frameConn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close stops the http server. Upgraded connections are not affected.
func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	return err
}

func (l *wsListener) Addr() net.Addr { return l.ln.Addr() }

func dialWS(ctx context.Context, addr string, cfg *NodeCfg) (frameConn, error) {
	d := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	u := url.URL{Scheme: "ws", Host: addr, Path: cfg.Path}
	c, resp, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (http status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return newWSConn(c, cfg.MaxFrameLen), nil
}

// wsConn frames a websocket.Conn. pending holds the unread rest of the last
// message.
type wsConn struct {
	*websocket.Conn
	pending []byte
	wbuf    []byte
}

func newWSConn(c *websocket.Conn, maxLen int) *wsConn {
	c.SetReadLimit(int64(maxLen) + PreHeadSize)
	return &wsConn{Conn: c}
}

func (c *wsConn) ReadFrame(maxLen int) ([]byte, error) {
	for len(c.pending) == 0 {
		typ, data, err := c.Conn.ReadMessage()
		if err != nil {
			return nil, wsReadErr(err, maxLen)
		}
		if typ == websocket.BinaryMessage || typ == websocket.TextMessage {
			c.pending = data
		}
	}

	payload, rest, err := NextFrame(c.pending, maxLen)
	if err != nil {
		c.pending = nil
		return nil, err
	}
	c.pending = rest
	return payload, nil
}

func wsReadErr(err error, maxLen int) error {
	if errors.Is(err, websocket.ErrReadLimit) {
		return fmt.Errorf("%w: message above %d bytes", ErrFrameTooLarge, maxLen+PreHeadSize)
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	return err
}

// WriteFrame sends the frame as one binary message.
func (c *wsConn) WriteFrame(payload []byte) error {
	c.wbuf = AppendFrame(c.wbuf[:0], payload)
	err := c.Conn.WriteMessage(websocket.BinaryMessage, c.wbuf)
	if cap(c.wbuf) > 4*DefaultMaxFrameLen {
		c.wbuf = nil
	}
	return err
}

// Close sends a close message before dropping the connection.
func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace))
	return c.Conn.Close()
}
