package net

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/lcx/octopus/codec"
)

// ChannelID names the logical channel a node carries.
type ChannelID = codec.ChannelID

// Protocol selects the transport of a node.
type Protocol string

const (
	ProtocolUDP       Protocol = "udp"
	ProtocolTCP       Protocol = "tcp"
	ProtocolWebSocket Protocol = "websocket"
)

// Role is server (bind/listen) or client (connect/send).
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// NodeHandle identifies an opened node. Handles are never reused.
type NodeHandle uint64

// PeerID identifies one stream connection. IDs are process-wide and never
// reused, so the key of a removed peer stays invalid.
type PeerID uint64

var (
	_nodeSeq atomic.Uint64
	_peerSeq atomic.Uint64
)

func nextNodeHandle() NodeHandle { return NodeHandle(_nodeSeq.Add(1)) }
func nextPeerID() PeerID         { return PeerID(_peerSeq.Add(1)) }

// issued reports whether h was handed out by nextNodeHandle.
func issued(h NodeHandle) bool { return h != 0 && uint64(h) <= _nodeSeq.Load() }

// NodeState is the lifecycle state of a node.
type NodeState uint8

const (
	StateIdle NodeState = iota
	StateStarting
	StateActive
	StateDegraded
	StateClosed
)

func (s NodeState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Frame is one complete message in wire encoding. Peer is set for stream
// nodes; Addr carries the UDP sender on inbound frames and an optional
// destination on outbound ones.
type Frame struct {
	Payload []byte
	Peer    PeerID
	Addr    net.Addr
}
