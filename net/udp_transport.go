package net

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

func init() {
	registerTransport(ProtocolUDP, NewUDPTransport)
}

// udpErrorPause throttles the read loop after a socket error.
const udpErrorPause = 50 * time.Millisecond

// udpTransport carries one frame per datagram. There are no peers: inbound
// frames carry the sender address and outbound frames pick a destination
// from Frame.Addr or the node default.
type udpTransport struct {
	transportBase

	bridge    *Bridge
	recvLimit *RecvLimiter
	sendPacer *SendPacer

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	stopped bool
	conn    *net.UDPConn
}

// NewUDPTransport creates a UDP server (bound to Addr) or client (bound to
// BindAddr, sending to Addr).
func NewUDPTransport(setup *TransportSetup) (Transport, error) {
	cfg := setup.Cfg
	return &udpTransport{
		transportBase: newTransportBase(setup),
		bridge:        NewBridge(cfg.InboundCapacity, cfg.OutboundCapacity),
		recvLimit:     NewRecvLimiter(cfg.RecvRateLimit, cfg.RecvBurst),
		sendPacer:     NewSendPacer(cfg.SendRateLimit),
	}, nil
}

// Start implements Transport.
func (t *udpTransport) Start(ctx context.Context) error {
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

	go t.bind(runCtx)
	return nil
}

func (t *udpTransport) bind(ctx context.Context) {
	local, remote := t.cfg.Addr, t.cfg.RemoteAddr
	if t.cfg.Role == RoleClient {
		local, remote = t.cfg.BindAddr, t.cfg.Addr
	}

	var dst net.Addr
	if t.cfg.Role == RoleClient && remote == "" && t.resolve != nil {
		resolved, err := t.resolve(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.report(Report{Kind: ReportStartFailed, Err: fmt.Errorf("%w: resolve %q: %w", ErrConnect, t.cfg.Service, err)})
			}
			return
		}
		remote = resolved
	}
	if remote != "" {
		ra, err := net.ResolveUDPAddr("udp", remote)
		if err != nil {
			t.report(Report{Kind: ReportStartFailed, Err: fmt.Errorf("%w: remote %s: %w", ErrBind, remote, err)})
			return
		}
		dst = ra
	}

	conn, err := listenUDP(ctx, t.cfg, local)
	if err != nil {
		if ctx.Err() == nil {
			t.report(Report{Kind: ReportStartFailed, Err: fmt.Errorf("%w: %s: %w", ErrBind, local, err)})
		}
		return
	}

	t.mu.Lock()
	if ctx.Err() != nil {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	t.mu.Unlock()

	t.logger.Info().Str("addr", conn.LocalAddr().String()).Str("role", string(t.cfg.Role)).Msg("udp bound")
	t.report(Report{Kind: ReportStarted, Addr: conn.LocalAddr()})
	go t.serveSend(ctx, conn, dst)
	go t.serveRecv(ctx, conn)
}

// listenUDP binds the socket and applies broadcast and multicast options.
func listenUDP(ctx context.Context, cfg *NodeCfg, local string) (*net.UDPConn, error) {
	network := "udp"
	if ip := net.ParseIP(cfg.MulticastGroup); ip != nil {
		// A dual-stack socket takes no IPv4 memberships.
		network = "udp6"
		if ip.To4() != nil {
			network = "udp4"
		}
	}
	lc := net.ListenConfig{Control: udpControl(cfg)}
	pc, err := lc.ListenPacket(ctx, network, local)
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)
	if cfg.MulticastGroup != "" {
		if err := joinMulticast(conn, cfg); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("multicast %s: %w", cfg.MulticastGroup, err)
		}
	}
	return conn, nil
}

func joinMulticast(conn *net.UDPConn, cfg *NodeCfg) error {
	group := &net.UDPAddr{IP: net.ParseIP(cfg.MulticastGroup)}
	var ifi *net.Interface
	if cfg.MulticastInterface != "" {
		var err error
		if ifi, err = net.InterfaceByName(cfg.MulticastInterface); err != nil {
			return err
		}
	}

	if group.IP.To4() != nil {
		p := ipv4.NewPacketConn(conn)
		if err := p.JoinGroup(ifi, group); err != nil {
			return err
		}
		if err := p.SetMulticastTTL(cfg.MulticastTTL); err != nil {
			return err
		}
		if err := p.SetMulticastLoopback(cfg.MulticastLoopback); err != nil {
			return err
		}
		if ifi != nil {
			return p.SetMulticastInterface(ifi)
		}
		return nil
	}

	p := ipv6.NewPacketConn(conn)
	if err := p.JoinGroup(ifi, group); err != nil {
		return err
	}
	if err := p.SetMulticastHopLimit(cfg.MulticastTTL); err != nil {
		return err
	}
	if err := p.SetMulticastLoopback(cfg.MulticastLoopback); err != nil {
		return err
	}
	if ifi != nil {
		return p.SetMulticastInterface(ifi)
	}
	return nil
}

func (t *udpTransport) serveRecv(ctx context.Context, conn *net.UDPConn) {
	// One spare byte tells an oversized datagram from one that fits exactly.
	buf := make([]byte, t.cfg.MaxFrameLen+1)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || isClosedErr(err) {
				return
			}
			t.ioFailed(fmt.Errorf("%w: read: %w", ErrIO, err))
			timer := time.NewTimer(udpErrorPause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		t.ioOK()
		if n > t.cfg.MaxFrameLen {
			t.countDrop("too_large")
			continue
		}
		t.countFrame("in", n)
		if !t.recvLimit.Allow() {
			t.countDrop("rate_limited")
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		if err := t.bridge.Inbound.TrySend(Frame{Payload: payload, Addr: addr}); err != nil {
			t.countDrop("inbound_full")
		}
	}
}

func (t *udpTransport) serveSend(ctx context.Context, conn *net.UDPConn, remote net.Addr) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-t.bridge.Outbound.Recv():
			dst := f.Addr
			if dst == nil {
				dst = remote
			}
			if dst == nil {
				t.report(Report{Kind: ReportSendFailed, Err: ErrNoPeer})
				continue
			}

			t.sendPacer.Take()
			if _, err := conn.WriteTo(f.Payload, dst); err != nil {
				if ctx.Err() != nil || isClosedErr(err) {
					return
				}
				err = fmt.Errorf("%w: write to %s: %w", ErrIO, dst, err)
				t.report(Report{Kind: ReportSendFailed, Addr: dst, Err: err})
				t.ioFailed(err)
				continue
			}
			t.ioOK()
			t.countFrame("out", len(f.Payload))
		}
	}
}

// SendFrame implements Transport. f.Peer is ignored.
func (t *udpTransport) SendFrame(f Frame) error {
	if len(f.Payload) > t.cfg.MaxFrameLen {
		return fmt.Errorf("%w: %d bytes, max %d", ErrFrameTooLarge, len(f.Payload), t.cfg.MaxFrameLen)
	}
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return ErrNodeClosed
	}
	if f.Addr == nil && t.cfg.Role == RoleServer && t.cfg.RemoteAddr == "" {
		return ErrNoPeer
	}
	return t.bridge.Outbound.TrySend(f)
}

// DrainFrames implements Transport.
func (t *udpTransport) DrainFrames(dst []Frame) []Frame {
	return t.bridge.Inbound.Drain(dst)
}

// ClosePeer implements Transport. UDP nodes have no peers.
func (t *udpTransport) ClosePeer(id PeerID) error {
	return fmt.Errorf("%w: %d", ErrUnknownPeer, id)
}

// Peers implements Transport.
func (t *udpTransport) Peers() []PeerID {
	return nil
}

// LocalAddr implements Transport.
func (t *udpTransport) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// Stop implements Transport.
func (t *udpTransport) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	cancel, conn := t.cancel, t.conn
	t.conn = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	t.bridge.Discard()
	t.reports.Discard()
	return err
}

func (t *udpTransport) reload(cfg *NodeCfg) {
	t.recvLimit.Reload(cfg.RecvRateLimit, cfg.RecvBurst)
	t.sendPacer.Reload(cfg.SendRateLimit)
}
