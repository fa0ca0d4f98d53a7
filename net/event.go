package net

import (
	"fmt"
	"net"
)

// EventKind classifies an Event.
type EventKind uint8

const (
	// NodeStarted: the node bound or connected (again). Addr is the local
	// address.
	NodeStarted EventKind = iota + 1
	// NodeDegraded: the node hit a transient I/O failure and keeps running.
	NodeDegraded
	// NodeRecovered: I/O succeeded again after NodeDegraded.
	NodeRecovered
	// NodeClosed: the node stopped. Err is nil when the host closed it.
	NodeClosed
	PeerConnected
	// PeerDisconnected: Err is nil for a clean close.
	PeerDisconnected
	// DecodeFailed: one inbound frame could not be decoded and was dropped.
	DecodeFailed
	// SendFailed: one outbound frame could not be written and was dropped.
	SendFailed
)

func (k EventKind) String() string {
	switch k {
	case NodeStarted:
		return "node_started"
	case NodeDegraded:
		return "node_degraded"
	case NodeRecovered:
		return "node_recovered"
	case NodeClosed:
		return "node_closed"
	case PeerConnected:
		return "peer_connected"
	case PeerDisconnected:
		return "peer_disconnected"
	case DecodeFailed:
		return "decode_failed"
	case SendFailed:
		return "send_failed"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event reports a lifecycle change or a dropped frame to the host.
type Event struct {
	Kind    EventKind
	Node    NodeHandle
	Channel ChannelID
	Peer    PeerID
	Addr    net.Addr
	// State is the node state after the event.
	State NodeState
	Err   error
}

// Message is one decoded inbound frame.
type Message struct {
	Channel ChannelID
	Node    NodeHandle
	// Peer is the sending connection on a stream server, 0 otherwise.
	Peer PeerID
	// Addr is the sender: the remote address of the peer, or the datagram
	// source on UDP.
	Addr    net.Addr
	Payload any
}

// PollResult is everything one Poll collected.
type PollResult struct {
	Messages []Message
	Events   []Event
}

// Outbound is one entry of Engine.SendBatch.
type Outbound struct {
	Channel ChannelID
	Message any
}
