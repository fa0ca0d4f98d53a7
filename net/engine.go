package net

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/lcx/octopus/codec"
	"github.com/lcx/octopus/config"
	"github.com/lcx/octopus/log"
	"github.com/lcx/octopus/metrics"
	"github.com/lcx/octopus/plugin"
)

// Engine is the host-facing side of the transport core: it opens nodes,
// encodes outbound messages once per send and turns inbound frames into
// typed messages on every Poll.
//
// Poll and the send methods never block on the network; they only touch the
// bounded queues between the host and the socket goroutines.
type Engine struct {
	mu     sync.Mutex
	reg    *codec.Registry
	mgr    *Manager
	logger *log.GameLogger
	frames []Frame
}

type engineOptions struct {
	clock    clock.Clock
	logger   *log.GameLogger
	resolver Resolver
}

// EngineOption configures NewEngine.
type EngineOption func(*engineOptions)

// WithClock drives retry timing from clk, e.g. a clock.Mock in tests.
func WithClock(clk clock.Clock) EngineOption {
	return func(o *engineOptions) { o.clock = clk }
}

// WithLogger sets the logger nodes derive their loggers from.
func WithLogger(logger *log.GameLogger) EngineOption {
	return func(o *engineOptions) { o.logger = logger }
}

// WithResolver enables service discovery: clients with a service and no
// address resolve it, servers with a service register once started.
func WithResolver(r Resolver) EngineOption {
	return func(o *engineOptions) { o.resolver = r }
}

// NewEngine creates an engine encoding and decoding through reg.
func NewEngine(reg *codec.Registry, opts ...EngineOption) *Engine {
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}
	if reg == nil {
		reg = codec.NewRegistry()
	}
	if o.logger == nil {
		o.logger = log.Default()
	}
	return &Engine{
		reg:    reg,
		mgr:    NewManager(o.clock, o.logger, o.resolver),
		logger: o.logger,
	}
}

// Registry returns the codec registry of the engine.
func (e *Engine) Registry() *codec.Registry {
	return e.reg
}

// OpenNode opens one node. See Manager.Open.
func (e *Engine) OpenNode(cfg NodeCfg) (NodeHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mgr.Open(cfg)
}

// OpenConfigured opens every node of cfg. If one fails the nodes opened so
// far are closed again.
func (e *Engine) OpenConfigured(cfg *EngineCfg) ([]NodeHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	handles := make([]NodeHandle, 0, len(cfg.Nodes))
	for _, nc := range cfg.Nodes {
		h, err := e.mgr.Open(nc)
		if err != nil {
			for _, opened := range handles {
				_ = e.mgr.Close(opened)
			}
			return nil, err
		}
		handles = append(handles, h)
	}
	e.logger.Info().Int("nodes", len(handles)).Msg("configured nodes opened")
	return handles, nil
}

// OpenFromConfigManager loads the "net" configuration from cm, opens its
// nodes and follows later changes of it.
func (e *Engine) OpenFromConfigManager(cm config.ConfigManager) ([]NodeHandle, error) {
	if cm == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	cfg := &EngineCfg{}
	if err := cm.LoadConfig(cfg.GetName(), cfg); err != nil {
		return nil, fmt.Errorf("failed to load net config: %w", err)
	}
	handles, err := e.OpenConfigured(cfg)
	if err != nil {
		return nil, err
	}
	cm.AddChangeListener(e)
	return handles, nil
}

// OnConfigChanged implements config.ConfigChangeListener. Rate limits of
// open nodes are applied at once; other changes need the node reopened.
func (e *Engine) OnConfigChanged(configName string, newConfig, _ config.Config) error {
	if configName != "net" {
		return nil
	}
	cfg, ok := newConfig.(*EngineCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type %T for net", newConfig)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for _, n := range e.mgr.order {
		nc := cfg.Node(n.cfg.Name)
		if nc == nil {
			continue
		}
		n.cfg.RecvRateLimit, n.cfg.RecvBurst, n.cfg.SendRateLimit = nc.RecvRateLimit, nc.RecvBurst, nc.SendRateLimit
		if err := n.factory.Reload(n.transport, &n.cfg); err != nil {
			errs = append(errs, fmt.Errorf("node %q: %w", n.cfg.Name, err))
			continue
		}
		n.logger.Info().Float64("recvRateLimit", nc.RecvRateLimit).Int("sendRateLimit", nc.SendRateLimit).Msg("rate limits reloaded")
	}
	return errors.Join(errs...)
}

// CloseNode closes node h. Closing twice is a no-op.
func (e *Engine) CloseNode(h NodeHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mgr.Close(h)
}

// NodeState returns the state of node h.
func (e *Engine) NodeState(h NodeHandle) (NodeState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mgr.State(h)
}

// NodeAddr returns the local address of node h, nil before it started.
func (e *Engine) NodeAddr(h NodeHandle) (net.Addr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mgr.Addr(h)
}

// Peers returns the connected peers of a stream server.
func (e *Engine) Peers(h NodeHandle) ([]PeerID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.mgr.open(h)
	if err != nil {
		return nil, err
	}
	return n.transport.Peers(), nil
}

// ClosePeer disconnects one peer of a stream server. Other peers are not
// affected; frames still queued for or from the peer are discarded.
func (e *Engine) ClosePeer(h NodeHandle, peer PeerID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.mgr.open(h)
	if err != nil {
		return err
	}
	return n.transport.ClosePeer(peer)
}

// Send encodes msg once and queues it on every open node of ch. Stream
// servers send it to every connected peer. Nodes that have nowhere to send
// it are skipped as long as one node took it.
func (e *Engine) Send(ch ChannelID, msg any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.send(ch, msg)
}

func (e *Engine) send(ch ChannelID, msg any) error {
	nodes := e.mgr.onChannel(ch)
	if len(nodes) == 0 {
		return fmt.Errorf("%w: no open node on channel %q", ErrNoPeer, ch)
	}
	payload, err := e.reg.Encode(ch, msg)
	if err != nil {
		return err
	}

	var (
		errs      []error
		delivered bool
	)
	for _, n := range nodes {
		if err := n.transport.SendFrame(Frame{Payload: payload}); err != nil {
			errs = append(errs, fmt.Errorf("node %d: %w", n.handle, err))
			continue
		}
		delivered = true
	}
	if delivered {
		errs = dropNoPeer(errs)
	}
	return errors.Join(errs...)
}

func dropNoPeer(errs []error) []error {
	kept := errs[:0]
	for _, err := range errs {
		if !errors.Is(err, ErrNoPeer) {
			kept = append(kept, err)
		}
	}
	return kept
}

// SendTo encodes msg for the channel of node h and queues it for one peer.
// Clients and UDP nodes ignore peer.
func (e *Engine) SendTo(h NodeHandle, peer PeerID, msg any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sendFrame(h, msg, Frame{Peer: peer})
}

// SendToAddr sends msg as one datagram to addr. Only UDP nodes accept it.
func (e *Engine) SendToAddr(h NodeHandle, addr net.Addr, msg any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.mgr.open(h)
	if err != nil {
		return err
	}
	if n.cfg.Protocol != ProtocolUDP {
		return fmt.Errorf("%w: SendToAddr on %s node %d", ErrConfig, n.cfg.Protocol, h)
	}
	if addr == nil {
		return ErrNoPeer
	}
	return e.sendFrame(h, msg, Frame{Addr: addr})
}

// Reply answers m on the node it arrived on: to its peer on a stream
// server, to its sender on UDP.
func (e *Engine) Reply(m Message, msg any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	f := Frame{Peer: m.Peer}
	if n, ok := e.mgr.nodes[m.Node]; ok && n.cfg.Protocol == ProtocolUDP {
		f = Frame{Addr: m.Addr}
	}
	return e.sendFrame(m.Node, msg, f)
}

func (e *Engine) sendFrame(h NodeHandle, msg any, f Frame) error {
	n, err := e.mgr.open(h)
	if err != nil {
		return err
	}
	if f.Payload, err = e.reg.Encode(n.cfg.Channel, msg); err != nil {
		return err
	}
	return n.transport.SendFrame(f)
}

// SendBatch sends every entry like Send and joins the errors.
func (e *Engine) SendBatch(batch []Outbound) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for i, o := range batch {
		if err := e.send(o.Channel, o.Message); err != nil {
			errs = append(errs, fmt.Errorf("batch[%d] on %q: %w", i, o.Channel, err))
		}
	}
	return errors.Join(errs...)
}

// Poll applies pending lifecycle reports, runs due retries and decodes every
// frame queued since the last call. It never blocks; its cost is bounded by
// the number of queued frames. A frame that fails to decode yields a
// DecodeFailed event and does not affect the others.
func (e *Engine) Poll() PollResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res PollResult
	res.Events = e.mgr.Step(e.mgr.clock.Now(), res.Events)

	for _, n := range e.mgr.order {
		e.frames = n.transport.DrainFrames(e.frames[:0])
		for _, f := range e.frames {
			v, err := e.reg.Decode(n.cfg.Channel, f.Payload)
			if err != nil {
				metrics.IncrCounterWithDimGroup("net", "decode_failed_total", 1, metrics.Dimension{"channel": string(n.cfg.Channel)})
				res.Events = append(res.Events, Event{
					Kind:    DecodeFailed,
					Node:    n.handle,
					Channel: n.cfg.Channel,
					Peer:    f.Peer,
					Addr:    f.Addr,
					State:   n.state,
					Err:     err,
				})
				continue
			}
			res.Messages = append(res.Messages, Message{
				Channel: n.cfg.Channel,
				Node:    n.handle,
				Peer:    f.Peer,
				Addr:    f.Addr,
				Payload: v,
			})
		}
		clear(e.frames)
	}
	return res
}

// Close closes every node.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mgr.CloseAll()
}

// Protocols lists the protocols whose transports are compiled in.
func Protocols() []Protocol {
	names := plugin.ListFactories(plugin.Transport)
	out := make([]Protocol, len(names))
	for i, n := range names {
		out[i] = Protocol(n)
	}
	return out
}
