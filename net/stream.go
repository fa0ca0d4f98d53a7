package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lcx/octopus/metrics"
)

// streamTransport is the connection-oriented half shared by TCP and
// WebSocket. A server accepts peers into a session table, each with its own
// bridge. A client owns one connection at a time and one bridge that
// outlives reconnects.
type streamTransport struct {
	transportBase

	listen func(ctx context.Context, addr string) (streamListener, error)
	dial   func(ctx context.Context, addr string) (frameConn, error)
	// stickyTimeouts is set when a read timeout leaves the connection
	// unusable, so a client must reconnect instead of reading on.
	stickyTimeouts bool

	sessions     *sessionTable
	clientBridge *Bridge

	mu       sync.Mutex
	runCtx   context.Context
	cancel   context.CancelFunc
	stopped  bool
	listener streamListener
	client   *streamPeer
	limits   limits
}

type limits struct {
	recvRate  float64
	recvBurst int
	sendRate  int
}

func limitsOf(cfg *NodeCfg) limits {
	return limits{recvRate: cfg.RecvRateLimit, recvBurst: cfg.RecvBurst, sendRate: cfg.SendRateLimit}
}

func newStreamTransport(setup *TransportSetup) *streamTransport {
	t := &streamTransport{
		transportBase: newTransportBase(setup),
		sessions:      newSessionTable(),
		limits:        limitsOf(setup.Cfg),
	}
	if setup.Cfg.Role == RoleClient {
		t.clientBridge = NewBridge(setup.Cfg.InboundCapacity, setup.Cfg.OutboundCapacity)
	}
	return t
}

// Start implements Transport.
func (t *streamTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrNodeClosed
	}
	if t.runCtx == nil {
		t.runCtx, t.cancel = context.WithCancel(ctx)
	}
	runCtx := t.runCtx
	t.mu.Unlock()

	if t.cfg.Role == RoleServer {
		go t.bind(runCtx)
	} else {
		go t.connect(runCtx)
	}
	return nil
}

func (t *streamTransport) bind(ctx context.Context) {
	l, err := t.listen(ctx, t.cfg.Addr)
	if err != nil {
		if ctx.Err() == nil {
			t.report(Report{Kind: ReportStartFailed, Err: fmt.Errorf("%w: %s: %w", ErrBind, t.cfg.Addr, err)})
		}
		return
	}

	t.mu.Lock()
	if ctx.Err() != nil {
		t.mu.Unlock()
		_ = l.Close()
		return
	}
	t.listener = l
	t.mu.Unlock()

	t.logger.Info().Str("addr", l.Addr().String()).Str("protocol", string(t.cfg.Protocol)).Msg("listening")
	t.report(Report{Kind: ReportStarted, Addr: l.Addr()})
	t.acceptLoop(ctx, l)
}

func (t *streamTransport) acceptLoop(ctx context.Context, l streamListener) {
	for {
		c, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || isClosedErr(err) {
				return
			}
			if isTimeout(err) {
				continue
			}
			t.report(Report{Kind: ReportFatal, Err: fmt.Errorf("%w: accept: %w", ErrIO, err)})
			return
		}
		t.accept(ctx, c)
	}
}

func (t *streamTransport) accept(ctx context.Context, c frameConn) {
	p := t.newPeer(ctx, nextPeerID(), c, NewBridge(t.cfg.InboundCapacity, t.cfg.OutboundCapacity))
	if !t.sessions.add(p, t.cfg.MaxPeers) {
		_ = c.Close()
		p.cancel()
		metrics.IncrCounterWithDimGroup("net", "connection_refused_total", 1, metrics.Dimension{"protocol": string(t.cfg.Protocol)})
		t.logger.Warn().Str("remote", c.RemoteAddr().String()).Int("maxPeers", t.cfg.MaxPeers).Msg("peer refused")
		return
	}
	// Stop may have emptied the table between Accept and add.
	if ctx.Err() != nil {
		t.sessions.remove(p.id, false)
		p.hostClose()
		return
	}
	t.updateConnGauge()
	t.report(Report{Kind: ReportPeerConnected, Peer: p.id, Addr: c.RemoteAddr()})
	p.serve()
}

func (t *streamTransport) connect(ctx context.Context) {
	addr := t.cfg.Addr
	if addr == "" && t.resolve != nil {
		resolved, err := t.resolve(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.report(Report{Kind: ReportStartFailed, Err: fmt.Errorf("%w: resolve %q: %w", ErrConnect, t.cfg.Service, err)})
			}
			return
		}
		addr = resolved
	}

	began := time.Now()
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	c, err := t.dial(dialCtx, addr)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			t.report(Report{Kind: ReportStartFailed, Err: fmt.Errorf("%w: %s: %w", ErrConnect, addr, err)})
		}
		return
	}
	metrics.RecordStopwatchWithDimGroup("net", "dial_seconds", time.Since(began), metrics.Dimension{"protocol": string(t.cfg.Protocol)})

	p := t.newPeer(ctx, 0, c, t.clientBridge)
	p.client = true

	t.mu.Lock()
	if ctx.Err() != nil {
		t.mu.Unlock()
		_ = c.Close()
		return
	}
	t.client = p
	t.mu.Unlock()

	t.failed.Store(false)
	t.report(Report{Kind: ReportStarted, Addr: c.LocalAddr()})
	t.report(Report{Kind: ReportPeerConnected, Addr: c.RemoteAddr()})
	p.serve()
}

func (t *streamTransport) newPeer(ctx context.Context, id PeerID, c frameConn, b *Bridge) *streamPeer {
	t.mu.Lock()
	l := t.limits
	t.mu.Unlock()

	pctx, cancel := context.WithCancel(ctx)
	return &streamPeer{
		id:        id,
		conn:      c,
		bridge:    b,
		recvLimit: NewRecvLimiter(l.recvRate, l.recvBurst),
		sendPacer: NewSendPacer(l.sendRate),
		owner:     t,
		ctx:       pctx,
		cancel:    cancel,
	}
}

// peerClosed is called once for every peer the remote closed or that failed.
func (t *streamTransport) peerClosed(p *streamPeer, err error) {
	if p.client {
		t.mu.Lock()
		if t.client == p {
			t.client = nil
		}
		t.mu.Unlock()

		t.report(Report{Kind: ReportPeerDisconnected, Addr: p.conn.RemoteAddr(), Err: err})
		lost := err
		if lost == nil {
			lost = fmt.Errorf("%w: connection closed by remote", ErrIO)
		}
		t.failed.Store(true)
		t.report(Report{Kind: ReportConnLost, Err: lost})
		return
	}

	t.sessions.remove(p.id, true)
	t.updateConnGauge()
	t.report(Report{Kind: ReportPeerDisconnected, Peer: p.id, Addr: p.conn.RemoteAddr(), Err: err})
	if err != nil && !errors.Is(err, errIdleTimeout) {
		t.ioFailed(err)
	}
}

func (t *streamTransport) updateConnGauge() {
	metrics.UpdateGaugeWithDimGroup("net", "connections", metrics.Value(t.sessions.len()), metrics.Dimension{
		"protocol": string(t.cfg.Protocol),
	})
}

// SendFrame implements Transport.
func (t *streamTransport) SendFrame(f Frame) error {
	if len(f.Payload) > t.cfg.MaxFrameLen {
		return fmt.Errorf("%w: %d bytes, max %d", ErrFrameTooLarge, len(f.Payload), t.cfg.MaxFrameLen)
	}
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return ErrNodeClosed
	}

	if t.cfg.Role == RoleClient {
		// Queued while disconnected, written after the next connect.
		return t.clientBridge.Outbound.TrySend(f)
	}

	if f.Peer != 0 {
		p, ok := t.sessions.get(f.Peer)
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownPeer, f.Peer)
		}
		return p.bridge.Outbound.TrySend(f)
	}

	peers := t.sessions.snapshot()
	if len(peers) == 0 {
		return ErrNoPeer
	}
	var errs []error
	for _, p := range peers {
		if err := p.bridge.Outbound.TrySend(f); err != nil {
			errs = append(errs, fmt.Errorf("peer %d: %w", p.id, err))
		}
	}
	return errors.Join(errs...)
}

// DrainFrames implements Transport. Frames of peers the remote closed come
// first, then live peers in id order.
func (t *streamTransport) DrainFrames(dst []Frame) []Frame {
	if t.clientBridge != nil {
		return t.clientBridge.Inbound.Drain(dst)
	}
	for _, p := range t.sessions.takeRetired() {
		dst = p.bridge.Inbound.Drain(dst)
	}
	for _, p := range t.sessions.snapshot() {
		dst = p.bridge.Inbound.Drain(dst)
	}
	return dst
}

// ClosePeer implements Transport. Frames still queued for the peer in
// either direction are discarded.
func (t *streamTransport) ClosePeer(id PeerID) error {
	if t.cfg.Role == RoleClient {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}
	p := t.sessions.remove(id, false)
	if p == nil {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}
	if p.hostClose() {
		t.updateConnGauge()
		t.report(Report{Kind: ReportPeerDisconnected, Peer: id, Addr: p.conn.RemoteAddr()})
	}
	return nil
}

// Peers implements Transport. A client has no addressable peers.
func (t *streamTransport) Peers() []PeerID {
	if t.cfg.Role == RoleClient {
		return nil
	}
	peers := t.sessions.snapshot()
	ids := make([]PeerID, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, p.id)
	}
	return ids
}

// LocalAddr implements Transport.
func (t *streamTransport) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return t.listener.Addr()
	}
	if t.client != nil {
		return t.client.conn.LocalAddr()
	}
	return nil
}

// Stop implements Transport.
func (t *streamTransport) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	cancel, l, c := t.cancel, t.listener, t.client
	t.listener, t.client = nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if l != nil {
		if cerr := l.Close(); cerr != nil && !isClosedErr(cerr) {
			err = cerr
		}
	}
	if c != nil {
		c.hostClose()
	}
	for _, p := range t.sessions.removeAll() {
		p.hostClose()
	}
	if t.clientBridge != nil {
		t.clientBridge.Discard()
	}
	t.reports.Discard()
	t.updateConnGauge()
	return err
}

func (t *streamTransport) reload(cfg *NodeCfg) {
	l := limitsOf(cfg)
	t.mu.Lock()
	t.limits = l
	c := t.client
	t.mu.Unlock()

	peers := t.sessions.snapshot()
	if c != nil {
		peers = append(peers, c)
	}
	for _, p := range peers {
		p.recvLimit.Reload(l.recvRate, l.recvBurst)
		p.sendPacer.Reload(l.sendRate)
	}
}
