package net

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/lcx/octopus/metrics"
)

// frameConn is one framed stream connection. ReadFrame is only called by
// the recv goroutine and WriteFrame only by the send goroutine.
type frameConn interface {
	ReadFrame(maxLen int) ([]byte, error)
	WriteFrame(payload []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
}

// streamListener accepts framed connections.
type streamListener interface {
	Accept() (frameConn, error)
	Close() error
	Addr() net.Addr
}

var errIdleTimeout = fmt.Errorf("%w: idle timeout", ErrIO)

// streamPeer is one stream connection with its own bridge and a recv/send
// goroutine pair.
type streamPeer struct {
	id        PeerID
	client    bool
	conn      frameConn
	bridge    *Bridge
	recvLimit *RecvLimiter
	sendPacer *SendPacer
	owner     *streamTransport

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (p *streamPeer) serve() {
	go p.serveSend()
	go p.serveRecv()
}

func (p *streamPeer) serveRecv() {
	cfg := p.owner.cfg
	remote := p.conn.RemoteAddr()
	for {
		if cfg.IdleTimeout > 0 {
			_ = p.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		}
		payload, err := p.conn.ReadFrame(cfg.MaxFrameLen)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			switch {
			case isTimeout(err) && !errors.Is(err, errPartialFrame):
				if p.client && !p.owner.stickyTimeouts {
					// Nothing arrived in time; the connection itself is fine.
					p.owner.ioFailed(fmt.Errorf("%w: read: %w", ErrIO, err))
					continue
				}
				p.close(errIdleTimeout)
			case isCleanEOF(err):
				p.close(nil)
			case errors.Is(err, ErrFrameTooLarge):
				metrics.IncrCounterWithDimGroup("net", "frame_too_large_total", 1, metrics.Dimension{"protocol": string(cfg.Protocol)})
				p.close(err)
			default:
				p.close(fmt.Errorf("%w: read: %w", ErrIO, err))
			}
			return
		}

		p.owner.ioOK()
		p.owner.countFrame("in", len(payload))
		if !p.recvLimit.Allow() {
			p.owner.countDrop("rate_limited")
			continue
		}
		if p.ctx.Err() != nil {
			return
		}
		if err := p.bridge.Inbound.TrySend(Frame{Payload: payload, Peer: p.id, Addr: remote}); err != nil {
			p.owner.countDrop("inbound_full")
		}
	}
}

func (p *streamPeer) serveSend() {
	cfg := p.owner.cfg
	for {
		select {
		case <-p.ctx.Done():
			return
		case f := <-p.bridge.Outbound.Recv():
			p.sendPacer.Take()
			if cfg.IdleTimeout > 0 {
				_ = p.conn.SetWriteDeadline(time.Now().Add(cfg.IdleTimeout))
			}
			if err := p.conn.WriteFrame(f.Payload); err != nil {
				if p.ctx.Err() != nil {
					return
				}
				err = fmt.Errorf("%w: write: %w", ErrIO, err)
				p.owner.report(Report{Kind: ReportSendFailed, Peer: p.id, Addr: p.conn.RemoteAddr(), Err: err})
				p.close(err)
				return
			}
			p.owner.ioOK()
			p.owner.countFrame("out", len(f.Payload))
		}
	}
}

// close tears the peer down after a remote close or an I/O error and tells
// the owner. err is nil for a clean close.
func (p *streamPeer) close(err error) {
	p.closeOnce.Do(func() {
		p.cancel()
		_ = p.conn.Close()
		p.owner.peerClosed(p, err)
	})
}

// hostClose tears the peer down on request of the host. Nothing is reported
// and frames still queued for the peer are discarded.
func (p *streamPeer) hostClose() bool {
	var closed bool
	p.closeOnce.Do(func() {
		closed = true
		p.cancel()
		_ = p.conn.Close()
		if !p.client {
			p.bridge.Discard()
		}
	})
	return closed
}

// sessionTable maps peer ids to live peers. Peers closed by the remote are
// kept as retired until their queued inbound frames have been drained.
type sessionTable struct {
	mu      sync.Mutex
	peers   map[PeerID]*streamPeer
	retired []*streamPeer
}

func newSessionTable() *sessionTable {
	return &sessionTable{peers: make(map[PeerID]*streamPeer)}
}

// add stores p unless the table already holds maxPeers peers (0 means no
// limit).
func (s *sessionTable) add(p *streamPeer, maxPeers int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxPeers > 0 && len(s.peers) >= maxPeers {
		return false
	}
	s.peers[p.id] = p
	return true
}

func (s *sessionTable) get(id PeerID) (*streamPeer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[id]
	return p, ok
}

// remove deletes id. A retired peer keeps its inbound frames for the next
// drain.
func (s *sessionTable) remove(id PeerID, retire bool) *streamPeer {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[id]
	if !ok {
		return nil
	}
	delete(s.peers, id)
	if retire {
		s.retired = append(s.retired, p)
	}
	return p
}

func (s *sessionTable) removeAll() []*streamPeer {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*streamPeer, 0, len(s.peers))
	for id, p := range s.peers {
		all = append(all, p)
		delete(s.peers, id)
	}
	s.retired = nil
	return all
}

// snapshot returns the live peers ordered by id.
func (s *sessionTable) snapshot() []*streamPeer {
	s.mu.Lock()
	all := make([]*streamPeer, 0, len(s.peers))
	for _, p := range s.peers {
		all = append(all, p)
	}
	s.mu.Unlock()

	slices.SortFunc(all, func(a, b *streamPeer) int { return cmp.Compare(a.id, b.id) })
	return all
}

func (s *sessionTable) takeRetired() []*streamPeer {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.retired
	s.retired = nil
	return r
}

func (s *sessionTable) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}
