package net

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lcx/octopus/log"
	"github.com/lcx/octopus/metrics"
	"github.com/lcx/octopus/plugin"
)

// Resolver looks up and publishes node addresses in a service registry.
type Resolver interface {
	// Resolve returns a "host:port" of a healthy instance of service.
	Resolve(ctx context.Context, service string) (string, error)
	Register(ctx context.Context, service, id string, addr net.Addr) error
	Deregister(ctx context.Context, id string) error
}

const registryTimeout = 5 * time.Second

type node struct {
	handle    NodeHandle
	cfg       NodeCfg
	state     NodeState
	factory   plugin.Factory
	transport Transport
	logger    *log.GameLogger

	ctx     context.Context
	cancel  context.CancelFunc
	backoff *backoff
	retryAt time.Time
	// failures counts I/O failures since the last success.
	failures  int
	addr      net.Addr
	serviceID string
}

// Manager owns the nodes and their state machine:
//
//	Idle -> Starting -> Active <-> Degraded -> Closed, Starting -> Closed
//
// Transports only report what they observed; every transition happens in
// Step on the host thread. Manager is not safe for concurrent use.
type Manager struct {
	clock    clock.Clock
	logger   *log.GameLogger
	resolver Resolver

	// nodes holds open nodes only; a closed node is dropped and its
	// handle answers as closed from then on.
	nodes   map[NodeHandle]*node
	order   []*node
	reports []Report
	events  []Event
}

// NewManager creates an empty manager. A nil clock uses the wall clock, a
// nil logger the default logger.
func NewManager(clk clock.Clock, logger *log.GameLogger, resolver Resolver) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		clock:    clk,
		logger:   logger,
		resolver: resolver,
		nodes:    make(map[NodeHandle]*node),
	}
}

// Open validates cfg, creates its transport and starts the first bind or
// connect attempt. Invalid configuration and protocols whose transport is
// not compiled in fail with ErrConfig and never create a node.
func (m *Manager) Open(cfg NodeCfg) (NodeHandle, error) {
	if err := cfg.normalize(); err != nil {
		return 0, err
	}
	f, err := plugin.GetFactory(plugin.Transport, string(cfg.Protocol))
	if err != nil {
		return 0, fmt.Errorf("%w: node %q: %s transport not compiled in: %v", ErrConfig, cfg.Name, cfg.Protocol, err)
	}
	return m.start(cfg, f)
}

// start creates the node for a normalized cfg on transport factory f.
func (m *Manager) start(cfg NodeCfg, f plugin.Factory) (NodeHandle, error) {
	n := &node{
		handle:  nextNodeHandle(),
		cfg:     cfg,
		state:   StateIdle,
		factory: f,
		backoff: newBackoff(cfg.Backoff),
	}
	n.logger = m.logger.With("node", n.handle).With("channel", string(cfg.Channel))

	setup := &TransportSetup{Node: n.handle, Cfg: &n.cfg, Logger: n.logger}
	if cfg.Role == RoleClient && cfg.Addr == "" {
		if m.resolver == nil {
			return 0, fmt.Errorf("%w: node %q: service %q needs a resolver", ErrConfig, cfg.Name, cfg.Service)
		}
		resolver, service := m.resolver, cfg.Service
		setup.Resolve = func(ctx context.Context) (string, error) {
			return resolver.Resolve(ctx, service)
		}
	}

	p, err := f.Setup(setup)
	if err != nil {
		return 0, fmt.Errorf("%w: node %q: %v", ErrConfig, cfg.Name, err)
	}
	t, ok := p.(Transport)
	if !ok {
		return 0, fmt.Errorf("%w: node %q: factory %s returned %T", ErrConfig, cfg.Name, f.Name(), p)
	}
	n.transport = t

	n.ctx, n.cancel = context.WithCancel(context.Background())
	m.nodes[n.handle] = n
	m.order = append(m.order, n)
	m.setState(n, StateStarting)
	n.logger.Info().Str("name", cfg.Name).Str("protocol", string(cfg.Protocol)).
		Str("role", string(cfg.Role)).Str("addr", cfg.Addr).Msg("node opening")

	if err := t.Start(n.ctx); err != nil {
		m.closeNode(n, err)
	}
	return n.handle, nil
}

// Close stops the node and discards its queued frames. Closing a closed node
// is a no-op.
func (m *Manager) Close(h NodeHandle) error {
	n, ok := m.nodes[h]
	if !ok {
		if issued(h) {
			return nil
		}
		return fmt.Errorf("%w: %d", ErrUnknownNode, h)
	}
	m.closeNode(n, nil)
	return nil
}

// CloseAll closes every open node.
func (m *Manager) CloseAll() {
	for _, n := range append([]*node(nil), m.order...) {
		m.closeNode(n, nil)
	}
}

// State returns the state of node h.
func (m *Manager) State(h NodeHandle) (NodeState, error) {
	n, ok := m.nodes[h]
	if !ok {
		if issued(h) {
			return StateClosed, nil
		}
		return StateClosed, fmt.Errorf("%w: %d", ErrUnknownNode, h)
	}
	return n.state, nil
}

// Addr returns the local address of node h once it started.
func (m *Manager) Addr(h NodeHandle) (net.Addr, error) {
	n, err := m.open(h)
	if err != nil {
		return nil, err
	}
	if a := n.transport.LocalAddr(); a != nil {
		return a, nil
	}
	return n.addr, nil
}

// open returns node h unless it is unknown or closed.
func (m *Manager) open(h NodeHandle) (*node, error) {
	n, ok := m.nodes[h]
	if !ok {
		if issued(h) {
			return nil, fmt.Errorf("%w: %d", ErrNodeClosed, h)
		}
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, h)
	}
	if n.state == StateClosed {
		return nil, fmt.Errorf("%w: %d", ErrNodeClosed, h)
	}
	return n, nil
}

// onChannel returns the open nodes carrying ch in open order.
func (m *Manager) onChannel(ch ChannelID) []*node {
	var out []*node
	for _, n := range m.order {
		if n.cfg.Channel == ch {
			out = append(out, n)
		}
	}
	return out
}

// Step applies the reports of every node, starts due retries and appends
// the resulting events to dst.
func (m *Manager) Step(now time.Time, dst []Event) []Event {
	for _, n := range append([]*node(nil), m.order...) {
		m.reports = n.transport.DrainReports(m.reports[:0])
		for _, r := range m.reports {
			m.apply(n, r, now)
			if n.state == StateClosed {
				break
			}
		}
		clear(m.reports)

		if n.state != StateClosed && !n.retryAt.IsZero() && !now.Before(n.retryAt) {
			n.retryAt = time.Time{}
			n.logger.Info().Int("attempt", n.backoff.Attempts()).Msg("retrying")
			if err := n.transport.Start(n.ctx); err != nil {
				m.closeNode(n, err)
			}
		}
	}

	dst = append(dst, m.events...)
	clear(m.events)
	m.events = m.events[:0]
	return dst
}

func (m *Manager) apply(n *node, r Report, now time.Time) {
	switch r.Kind {
	case ReportStarted:
		n.failures = 0
		n.retryAt = time.Time{}
		n.backoff.Reset()
		n.addr = r.Addr
		m.setState(n, StateActive)
		m.emit(n, Event{Kind: NodeStarted, Addr: r.Addr})
		m.register(n)

	case ReportStartFailed:
		n.logger.Warn().Err(r.Err).Msg("start attempt failed")
		m.retry(n, r.Err, now)

	case ReportPeerConnected:
		m.emit(n, Event{Kind: PeerConnected, Peer: r.Peer, Addr: r.Addr})

	case ReportPeerDisconnected:
		m.emit(n, Event{Kind: PeerDisconnected, Peer: r.Peer, Addr: r.Addr, Err: r.Err})

	case ReportSendFailed:
		m.emit(n, Event{Kind: SendFailed, Peer: r.Peer, Addr: r.Addr, Err: r.Err})

	case ReportIOError:
		if m.fail(n, r.Err) && n.state == StateActive {
			m.setState(n, StateDegraded)
			m.emit(n, Event{Kind: NodeDegraded, Err: r.Err})
		}

	case ReportRecovered:
		n.failures = 0
		if n.state == StateDegraded {
			m.setState(n, StateActive)
			m.emit(n, Event{Kind: NodeRecovered})
		}

	case ReportConnLost:
		if !m.fail(n, r.Err) {
			return
		}
		if n.state == StateActive {
			m.setState(n, StateDegraded)
			m.emit(n, Event{Kind: NodeDegraded, Err: r.Err})
		}
		m.retry(n, fmt.Errorf("%w: %w", ErrConnect, r.Err), now)

	case ReportFatal:
		n.logger.Error().Err(r.Err).Msg("node failed")
		m.closeNode(n, r.Err)
	}
}

// fail counts one I/O failure and closes the node once FailureThreshold is
// reached. It reports whether the node is still open.
func (m *Manager) fail(n *node, err error) bool {
	n.failures++
	if n.cfg.FailureThreshold > 0 && n.failures >= n.cfg.FailureThreshold {
		m.closeNode(n, fmt.Errorf("%d consecutive failures: %w", n.failures, err))
		return false
	}
	return true
}

// retry schedules the next bind/connect attempt or closes the node with err
// once the backoff policy is exhausted.
func (m *Manager) retry(n *node, err error, now time.Time) {
	d, ok := n.backoff.Next()
	if !ok {
		m.closeNode(n, err)
		return
	}
	n.retryAt = now.Add(d)
	n.logger.Info().Dur("delay", d).Int("attempt", n.backoff.Attempts()).Msg("retry scheduled")
}

func (m *Manager) closeNode(n *node, err error) {
	if n.state == StateClosed {
		return
	}
	n.cancel()
	if derr := n.factory.Destroy(n.transport); derr != nil {
		n.logger.Warn().Err(derr).Msg("transport stop")
	}
	m.deregister(n)

	delete(m.nodes, n.handle)
	for i, o := range m.order {
		if o == n {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.setState(n, StateClosed)
	m.emit(n, Event{Kind: NodeClosed, Err: err})
	if err != nil {
		n.logger.Warn().Err(err).Msg("node closed")
	} else {
		n.logger.Info().Msg("node closed")
	}
}

func (m *Manager) setState(n *node, s NodeState) {
	n.state = s
	metrics.UpdateGaugeWithDimGroup("net", "node_state", metrics.Value(s), metrics.Dimension{
		"node": n.cfg.Name,
	})
}

func (m *Manager) emit(n *node, e Event) {
	e.Node = n.handle
	e.Channel = n.cfg.Channel
	e.State = n.state
	m.events = append(m.events, e)
}

// register publishes a started server under its service name. It runs in
// the background and only logs failures.
func (m *Manager) register(n *node) {
	if m.resolver == nil || n.cfg.Role != RoleServer || n.cfg.Service == "" || n.serviceID != "" || n.addr == nil {
		return
	}
	n.serviceID = fmt.Sprintf("%s-%s", n.cfg.Service, n.addr)
	resolver, service, id, addr, logger := m.resolver, n.cfg.Service, n.serviceID, n.addr, n.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		defer cancel()
		if err := resolver.Register(ctx, service, id, addr); err != nil {
			logger.Warn().Err(err).Str("service", service).Msg("service register failed")
		}
	}()
}

func (m *Manager) deregister(n *node) {
	if m.resolver == nil || n.serviceID == "" {
		return
	}
	resolver, id, logger := m.resolver, n.serviceID, n.logger
	n.serviceID = ""
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		defer cancel()
		if err := resolver.Deregister(ctx, id); err != nil {
			logger.Warn().Err(err).Str("id", id).Msg("service deregister failed")
		}
	}()
}
