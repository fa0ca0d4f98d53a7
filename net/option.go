package net

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultQueueCapacity = 1024
	DefaultMaxFrameLen   = 64 * 1024
	// MaxDatagramLen is the largest UDP payload over IPv4.
	MaxDatagramLen     = 65507
	DefaultDialTimeout = 5 * time.Second
	DefaultRetryDelay  = 2 * time.Second
	DefaultWSPath      = "/"
)

// BackoffCfg is the retry policy for bind/connect attempts and client
// reconnects. The zero value never retries.
type BackoffCfg struct {
	// InitialDelay before the first retry. Defaults to 2s when retries are
	// enabled.
	InitialDelay time.Duration `mapstructure:"initialDelay"`
	// Multiplier grows the delay after each failed attempt; values below 1
	// keep it constant.
	Multiplier float64 `mapstructure:"multiplier"`
	// MaxDelay caps the delay. 0 means no cap.
	MaxDelay time.Duration `mapstructure:"maxDelay"`
	// MaxAttempts is the number of retries after the first failure. 0 never
	// retries, -1 retries forever.
	MaxAttempts int `mapstructure:"maxAttempts"`
}

// NodeCfg describes one server or client node.
type NodeCfg struct {
	// Name identifies the node in configuration reloads and logs.
	Name     string    `mapstructure:"name"`
	Protocol Protocol  `mapstructure:"protocol"`
	Role     Role      `mapstructure:"role"`
	Channel  ChannelID `mapstructure:"channel"`

	// Addr is the listen address of a server or the remote address of a
	// client: "host:port" or "scheme://host:port[/path]".
	Addr string `mapstructure:"addr"`
	// BindAddr is the local address of a UDP client. Defaults to port 0.
	BindAddr string `mapstructure:"bindAddr"`
	// RemoteAddr is the default destination of a UDP server.
	RemoteAddr string `mapstructure:"remoteAddr"`
	// Path is the WebSocket upgrade path.
	Path string `mapstructure:"path"`

	Broadcast          bool   `mapstructure:"broadcast"`
	MulticastGroup     string `mapstructure:"multicastGroup"`
	MulticastTTL       int    `mapstructure:"multicastTTL"`
	MulticastInterface string `mapstructure:"multicastInterface"`
	MulticastLoopback  bool   `mapstructure:"multicastLoopback"`

	InboundCapacity  int           `mapstructure:"inboundCapacity"`
	OutboundCapacity int           `mapstructure:"outboundCapacity"`
	MaxFrameLen      int           `mapstructure:"maxFrameLen"`
	DialTimeout      time.Duration `mapstructure:"dialTimeout"`
	// IdleTimeout drops server peers and degrades clients that receive
	// nothing for this long. 0 disables it.
	IdleTimeout time.Duration `mapstructure:"idleTimeout"`
	// FailureThreshold closes the node after this many consecutive I/O
	// failures. 0 disables it.
	FailureThreshold int `mapstructure:"failureThreshold"`
	// MaxPeers refuses connections beyond this count. 0 means unlimited.
	MaxPeers int `mapstructure:"maxPeers"`

	RecvRateLimit float64 `mapstructure:"recvRateLimit"`
	RecvBurst     int     `mapstructure:"recvBurst"`
	SendRateLimit int     `mapstructure:"sendRateLimit"`

	// Service is the discovery name. Clients with an empty Addr resolve it,
	// servers register under it.
	Service string `mapstructure:"service"`

	Backoff BackoffCfg `mapstructure:"backoff"`
}

// Validate checks cfg without resolving any address.
func (c *NodeCfg) Validate() error {
	n := *c
	return n.normalize()
}

// normalize fills defaults in place and validates. Every error wraps
// ErrConfig.
func (c *NodeCfg) normalize() error {
	if err := c.parseAddr(); err != nil {
		return err
	}

	switch c.Protocol {
	case ProtocolUDP, ProtocolTCP, ProtocolWebSocket:
	case "":
		return fmt.Errorf("%w: node %q: protocol is required", ErrConfig, c.Name)
	default:
		return fmt.Errorf("%w: node %q: unknown protocol %q", ErrConfig, c.Name, c.Protocol)
	}
	switch c.Role {
	case RoleServer, RoleClient:
	default:
		return fmt.Errorf("%w: node %q: unknown role %q", ErrConfig, c.Name, c.Role)
	}
	if c.Channel == "" {
		return fmt.Errorf("%w: node %q: channel is required", ErrConfig, c.Name)
	}

	if c.Addr == "" && !(c.Role == RoleClient && c.Service != "") {
		return fmt.Errorf("%w: node %q: addr is required", ErrConfig, c.Name)
	}
	if c.Addr != "" {
		if err := checkHostPort(c.Addr); err != nil {
			return fmt.Errorf("%w: node %q: addr %q: %v", ErrConfig, c.Name, c.Addr, err)
		}
	}

	if c.Protocol != ProtocolUDP {
		if c.Broadcast || c.MulticastGroup != "" || c.BindAddr != "" || c.RemoteAddr != "" {
			return fmt.Errorf("%w: node %q: broadcast, multicast, bindAddr and remoteAddr are udp options", ErrConfig, c.Name)
		}
	}
	if c.Protocol != ProtocolWebSocket && c.Path != "" {
		return fmt.Errorf("%w: node %q: path is a websocket option", ErrConfig, c.Name)
	}
	if c.MulticastGroup != "" {
		ip := net.ParseIP(c.MulticastGroup)
		if ip == nil || !ip.IsMulticast() {
			return fmt.Errorf("%w: node %q: %q is not a multicast group", ErrConfig, c.Name, c.MulticastGroup)
		}
		if c.MulticastTTL < 0 || c.MulticastTTL > 255 {
			return fmt.Errorf("%w: node %q: multicast ttl out of range", ErrConfig, c.Name)
		}
	}
	for _, a := range []string{c.BindAddr, c.RemoteAddr} {
		if a == "" {
			continue
		}
		if err := checkHostPort(a); err != nil {
			return fmt.Errorf("%w: node %q: addr %q: %v", ErrConfig, c.Name, a, err)
		}
	}

	if c.InboundCapacity < 0 || c.OutboundCapacity < 0 || c.MaxFrameLen < 0 ||
		c.DialTimeout < 0 || c.IdleTimeout < 0 || c.FailureThreshold < 0 || c.MaxPeers < 0 ||
		c.RecvRateLimit < 0 || c.RecvBurst < 0 || c.SendRateLimit < 0 {
		return fmt.Errorf("%w: node %q: negative limit", ErrConfig, c.Name)
	}
	if c.Backoff.MaxAttempts < -1 || c.Backoff.InitialDelay < 0 || c.Backoff.MaxDelay < 0 || c.Backoff.Multiplier < 0 {
		return fmt.Errorf("%w: node %q: invalid backoff", ErrConfig, c.Name)
	}

	if c.InboundCapacity == 0 {
		c.InboundCapacity = DefaultQueueCapacity
	}
	if c.OutboundCapacity == 0 {
		c.OutboundCapacity = DefaultQueueCapacity
	}
	if c.MaxFrameLen == 0 {
		c.MaxFrameLen = DefaultMaxFrameLen
	}
	if c.Protocol == ProtocolUDP && c.MaxFrameLen > MaxDatagramLen {
		c.MaxFrameLen = MaxDatagramLen
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.Protocol == ProtocolWebSocket && c.Path == "" {
		c.Path = DefaultWSPath
	}
	if c.Protocol == ProtocolUDP && c.Role == RoleClient && c.BindAddr == "" {
		c.BindAddr = ":0"
	}
	if c.MulticastGroup != "" && c.MulticastTTL == 0 {
		c.MulticastTTL = 1
	}
	if c.Backoff.MaxAttempts != 0 && c.Backoff.InitialDelay == 0 {
		c.Backoff.InitialDelay = DefaultRetryDelay
	}
	return nil
}

// parseAddr accepts "scheme://host:port[/path]". The scheme selects the
// protocol when none is set and must agree with it otherwise.
func (c *NodeCfg) parseAddr() error {
	if c.Protocol == "ws" {
		c.Protocol = ProtocolWebSocket
	}
	if !strings.Contains(c.Addr, "://") {
		return nil
	}
	u, err := url.Parse(c.Addr)
	if err != nil {
		return fmt.Errorf("%w: node %q: addr %q: %v", ErrConfig, c.Name, c.Addr, err)
	}

	var p Protocol
	switch strings.ToLower(u.Scheme) {
	case "udp":
		p = ProtocolUDP
	case "tcp":
		p = ProtocolTCP
	case "ws", "websocket":
		p = ProtocolWebSocket
	default:
		return fmt.Errorf("%w: node %q: unsupported scheme %q", ErrConfig, c.Name, u.Scheme)
	}
	if c.Protocol == "" {
		c.Protocol = p
	} else if c.Protocol != p {
		return fmt.Errorf("%w: node %q: scheme %q does not match protocol %q", ErrConfig, c.Name, u.Scheme, c.Protocol)
	}

	if u.Path != "" && u.Path != "/" {
		if p != ProtocolWebSocket {
			return fmt.Errorf("%w: node %q: path in %q", ErrConfig, c.Name, c.Addr)
		}
		if c.Path == "" {
			c.Path = u.Path
		}
	}
	c.Addr = u.Host
	return nil
}

func checkHostPort(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

// EngineCfg is the "net" configuration: the nodes opened by
// Engine.OpenConfigured.
type EngineCfg struct {
	Nodes []NodeCfg `mapstructure:"nodes"`
}

// GetName implements config.Config.
func (c *EngineCfg) GetName() string {
	return "net"
}

// Validate implements config.Config.
func (c *EngineCfg) Validate() error {
	seen := make(map[string]struct{}, len(c.Nodes))
	for i := range c.Nodes {
		n := &c.Nodes[i]
		if n.Name == "" {
			return fmt.Errorf("%w: node %d has no name", ErrConfig, i)
		}
		if _, dup := seen[n.Name]; dup {
			return fmt.Errorf("%w: duplicate node name %q", ErrConfig, n.Name)
		}
		seen[n.Name] = struct{}{}
		if err := n.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Node returns the node named name, or nil.
func (c *EngineCfg) Node(name string) *NodeCfg {
	for i := range c.Nodes {
		if c.Nodes[i].Name == name {
			return &c.Nodes[i]
		}
	}
	return nil
}
