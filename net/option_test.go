package net

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeCfg_Defaults(t *testing.T) {
	cfg := NodeCfg{Name: "n", Protocol: ProtocolUDP, Role: RoleClient, Channel: "udp", Addr: "127.0.0.1:9100"}
	require.NoError(t, cfg.normalize())

	assert.Equal(t, DefaultQueueCapacity, cfg.InboundCapacity)
	assert.Equal(t, DefaultQueueCapacity, cfg.OutboundCapacity)
	assert.Equal(t, MaxDatagramLen, cfg.MaxFrameLen)
	assert.Equal(t, DefaultDialTimeout, cfg.DialTimeout)
	assert.Equal(t, ":0", cfg.BindAddr)
}

func TestNodeCfg_UDPFrameLenCapped(t *testing.T) {
	cfg := NodeCfg{Protocol: ProtocolUDP, Role: RoleServer, Channel: "c", Addr: ":9000", MaxFrameLen: 1 << 20}
	require.NoError(t, cfg.normalize())
	assert.Equal(t, MaxDatagramLen, cfg.MaxFrameLen)
}

func TestNodeCfg_Scheme(t *testing.T) {
	tests := []struct {
		name     string
		cfg      NodeCfg
		protocol Protocol
		addr     string
		path     string
	}{
		{
			name:     "scheme selects protocol",
			cfg:      NodeCfg{Role: RoleServer, Channel: "c", Addr: "tcp://127.0.0.1:7000"},
			protocol: ProtocolTCP,
			addr:     "127.0.0.1:7000",
		},
		{
			name:     "websocket path",
			cfg:      NodeCfg{Role: RoleClient, Channel: "c", Addr: "ws://localhost:8080/game"},
			protocol: ProtocolWebSocket,
			addr:     "localhost:8080",
			path:     "/game",
		},
		{
			name:     "ws alias",
			cfg:      NodeCfg{Protocol: "ws", Role: RoleServer, Channel: "c", Addr: "0.0.0.0:8080"},
			protocol: ProtocolWebSocket,
			addr:     "0.0.0.0:8080",
			path:     DefaultWSPath,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			require.NoError(t, cfg.normalize())
			assert.Equal(t, tt.protocol, cfg.Protocol)
			assert.Equal(t, tt.addr, cfg.Addr)
			if tt.path != "" {
				assert.Equal(t, tt.path, cfg.Path)
			}
		})
	}
}

func TestNodeCfg_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  NodeCfg
	}{
		{"unparsable addr", NodeCfg{Protocol: ProtocolTCP, Role: RoleServer, Channel: "c", Addr: "nope"}},
		{"bad port", NodeCfg{Protocol: ProtocolTCP, Role: RoleServer, Channel: "c", Addr: "127.0.0.1:99999"}},
		{"unknown protocol", NodeCfg{Protocol: "quic", Role: RoleServer, Channel: "c", Addr: ":1"}},
		{"missing protocol", NodeCfg{Role: RoleServer, Channel: "c", Addr: ":1"}},
		{"unknown role", NodeCfg{Protocol: ProtocolTCP, Role: "peer", Channel: "c", Addr: ":1"}},
		{"missing channel", NodeCfg{Protocol: ProtocolTCP, Role: RoleServer, Addr: ":1"}},
		{"missing addr", NodeCfg{Protocol: ProtocolTCP, Role: RoleClient, Channel: "c"}},
		{"scheme mismatch", NodeCfg{Protocol: ProtocolUDP, Role: RoleClient, Channel: "c", Addr: "tcp://127.0.0.1:1"}},
		{"unknown scheme", NodeCfg{Role: RoleClient, Channel: "c", Addr: "http://127.0.0.1:1"}},
		{"multicast on tcp", NodeCfg{Protocol: ProtocolTCP, Role: RoleServer, Channel: "c", Addr: ":1", MulticastGroup: "239.0.0.1"}},
		{"broadcast on websocket", NodeCfg{Protocol: ProtocolWebSocket, Role: RoleServer, Channel: "c", Addr: ":1", Broadcast: true}},
		{"not a multicast group", NodeCfg{Protocol: ProtocolUDP, Role: RoleServer, Channel: "c", Addr: ":1", MulticastGroup: "10.0.0.1"}},
		{"path on tcp", NodeCfg{Protocol: ProtocolTCP, Role: RoleServer, Channel: "c", Addr: ":1", Path: "/x"}},
		{"negative capacity", NodeCfg{Protocol: ProtocolTCP, Role: RoleServer, Channel: "c", Addr: ":1", InboundCapacity: -1}},
		{"bad backoff", NodeCfg{Protocol: ProtocolTCP, Role: RoleClient, Channel: "c", Addr: ":1", Backoff: BackoffCfg{MaxAttempts: -2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			assert.ErrorIs(t, cfg.normalize(), ErrConfig)
		})
	}
}

func TestNodeCfg_ServiceClientNeedsNoAddr(t *testing.T) {
	cfg := NodeCfg{Protocol: ProtocolTCP, Role: RoleClient, Channel: "c", Service: "game"}
	assert.NoError(t, cfg.Validate())

	cfg.Role = RoleServer
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)
}

func TestNodeCfg_ValidateLeavesCfgUntouched(t *testing.T) {
	cfg := NodeCfg{Role: RoleServer, Channel: "c", Addr: "tcp://127.0.0.1:7000"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, Protocol(""), cfg.Protocol)
	assert.Equal(t, "tcp://127.0.0.1:7000", cfg.Addr)
}

func TestNodeCfg_BackoffDefaultDelay(t *testing.T) {
	cfg := NodeCfg{Protocol: ProtocolTCP, Role: RoleClient, Channel: "c", Addr: ":1", Backoff: BackoffCfg{MaxAttempts: 3}}
	require.NoError(t, cfg.normalize())
	assert.Equal(t, DefaultRetryDelay, cfg.Backoff.InitialDelay)

	cfg = NodeCfg{Protocol: ProtocolTCP, Role: RoleClient, Channel: "c", Addr: ":1", Backoff: BackoffCfg{MaxAttempts: 3, InitialDelay: time.Second}}
	require.NoError(t, cfg.normalize())
	assert.Equal(t, time.Second, cfg.Backoff.InitialDelay)
}

func TestEngineCfg_Validate(t *testing.T) {
	cfg := &EngineCfg{Nodes: []NodeCfg{
		{Name: "a", Protocol: ProtocolTCP, Role: RoleServer, Channel: "c", Addr: ":1"},
		{Name: "a", Protocol: ProtocolUDP, Role: RoleServer, Channel: "c", Addr: ":2"},
	}}
	assert.Equal(t, "net", cfg.GetName())
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)

	cfg.Nodes[1].Name = "b"
	assert.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.Node("b"))
	assert.Equal(t, ProtocolUDP, cfg.Node("b").Protocol)
	assert.Nil(t, cfg.Node("missing"))

	cfg.Nodes[0].Name = ""
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)
}
