// Package net runs server and client nodes over UDP, TCP and WebSocket and
// bridges their socket goroutines to a synchronous host tick.
package net

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"

	"github.com/lcx/octopus/log"
	"github.com/lcx/octopus/metrics"
	"github.com/lcx/octopus/plugin"
)

// Transport owns the socket(s) of one node. Socket goroutines never touch
// node state; they push Reports that the Manager applies on the host tick.
type Transport interface {
	plugin.Plugin

	// Start begins one bind (server) or connect (client) attempt in the
	// background and returns at once. The outcome arrives as ReportStarted
	// or ReportStartFailed. ctx bounds the lifetime of everything started.
	Start(ctx context.Context) error

	// SendFrame queues f for writing without blocking. Peer 0 on a stream
	// server fans out to every peer.
	SendFrame(f Frame) error

	// DrainFrames appends every complete inbound frame to dst.
	DrainFrames(dst []Frame) []Frame

	// DrainReports appends pending lifecycle reports to dst.
	DrainReports(dst []Report) []Report

	ClosePeer(id PeerID) error
	Peers() []PeerID
	LocalAddr() net.Addr

	// Stop closes every socket and discards queued frames and reports.
	Stop() error
}

// ReportKind classifies what a transport observed.
type ReportKind uint8

const (
	// ReportStarted: bind/connect succeeded. Addr is the local address.
	ReportStarted ReportKind = iota + 1
	// ReportStartFailed: bind/connect failed. Err wraps ErrBind or ErrConnect.
	ReportStartFailed
	ReportPeerConnected
	// ReportPeerDisconnected: Err is nil for a clean close.
	ReportPeerDisconnected
	// ReportIOError: a transient failure.
	ReportIOError
	// ReportRecovered: the first successful I/O after a failure.
	ReportRecovered
	// ReportSendFailed: a frame could not be written and was dropped.
	ReportSendFailed
	// ReportConnLost: a client lost its connection and needs a reconnect.
	ReportConnLost
	// ReportFatal: the node cannot continue, e.g. its listener died.
	ReportFatal
)

// Report is one observation pushed by a transport goroutine.
type Report struct {
	Kind ReportKind
	Peer PeerID
	Addr net.Addr
	Err  error
}

// TransportSetup is the configuration handed to a transport factory.
type TransportSetup struct {
	Node   NodeHandle
	Cfg    *NodeCfg
	Logger *log.GameLogger
	// Resolve returns the address a client dials; set when the node dials a
	// discovered service.
	Resolve func(ctx context.Context) (string, error)
}

const reportQueueCapacity = 4096

// transportBase is embedded by every transport.
type transportBase struct {
	node    NodeHandle
	cfg     *NodeCfg
	logger  *log.GameLogger
	resolve func(ctx context.Context) (string, error)
	reports *Queue[Report]
	failed  atomic.Bool
}

func newTransportBase(setup *TransportSetup) transportBase {
	logger := setup.Logger
	if logger == nil {
		logger = log.Default()
	}
	return transportBase{
		node:    setup.Node,
		cfg:     setup.Cfg,
		logger:  logger,
		resolve: setup.Resolve,
		reports: newLabelledQueue[Report]("report", reportQueueCapacity),
	}
}

func (b *transportBase) FactoryName() string {
	return string(b.cfg.Protocol)
}

func (b *transportBase) report(r Report) {
	if err := b.reports.TrySend(r); err != nil {
		b.logger.Warn().Uint64("node", uint64(b.node)).Int("kind", int(r.Kind)).Msg("report queue full, report dropped")
	}
}

// ioFailed records a transient failure.
func (b *transportBase) ioFailed(err error) {
	b.failed.Store(true)
	b.report(Report{Kind: ReportIOError, Err: err})
}

// ioOK records a successful read or write; the first one after a failure
// reports recovery.
func (b *transportBase) ioOK() {
	if b.failed.Load() && b.failed.CompareAndSwap(true, false) {
		b.report(Report{Kind: ReportRecovered})
	}
}

func (b *transportBase) DrainReports(dst []Report) []Report {
	return b.reports.Drain(dst)
}

func (b *transportBase) countFrame(direction string, n int) {
	dim := metrics.Dimension{"protocol": string(b.cfg.Protocol), "direction": direction}
	metrics.IncrCounterWithDimGroup("net", "frames_total", 1, dim)
	metrics.IncrCounterWithDimGroup("net", "bytes_total", metrics.Value(n), dim)
}

func (b *transportBase) countDrop(reason string) {
	metrics.IncrCounterWithDimGroup("net", "frames_dropped_total", 1, metrics.Dimension{
		"protocol": string(b.cfg.Protocol),
		"reason":   reason,
	})
}

// isClosedErr reports errors that only mean the socket was closed on purpose.
func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled)
}

func isCleanEOF(err error) bool {
	return errors.Is(err, io.EOF) && !errors.Is(err, errPartialFrame)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// reloadable is implemented by transports whose rate limits can change
// while running.
type reloadable interface {
	reload(cfg *NodeCfg)
}

// transportFactory registers one protocol with the plugin registry.
type transportFactory struct {
	protocol Protocol
	create   func(setup *TransportSetup) (Transport, error)
}

func (f *transportFactory) Type() plugin.Type { return plugin.Transport }
func (f *transportFactory) Name() string      { return string(f.protocol) }

func (f *transportFactory) Setup(cfg any) (plugin.Plugin, error) {
	setup, ok := cfg.(*TransportSetup)
	if !ok || setup.Cfg == nil {
		return nil, errors.New("transport factory needs a *TransportSetup")
	}
	return f.create(setup)
}

func (f *transportFactory) Destroy(p plugin.Plugin) error {
	t, ok := p.(Transport)
	if !ok {
		return nil
	}
	return t.Stop()
}

// Reload applies the rate limits of a new *NodeCfg to a running transport.
func (f *transportFactory) Reload(p plugin.Plugin, cfg any) error {
	nc, ok := cfg.(*NodeCfg)
	if !ok {
		return errors.New("transport reload needs a *NodeCfg")
	}
	r, ok := p.(reloadable)
	if !ok {
		return errors.New("transport does not support reload")
	}
	r.reload(nc)
	return nil
}

func registerTransport(p Protocol, create func(setup *TransportSetup) (Transport, error)) {
	plugin.RegisterPlugin(&transportFactory{protocol: p, create: create})
}
