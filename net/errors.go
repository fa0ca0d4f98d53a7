package net

import (
	"errors"
)

var (
	// ErrConfig is returned by Open for an invalid node configuration or a
	// protocol whose transport is not compiled in. The node never starts.
	ErrConfig = errors.New("net: invalid config")

	// ErrBind and ErrConnect carry a failed bind or dial. They reach the host
	// inside a NodeClosed event once the retry policy is exhausted.
	ErrBind    = errors.New("net: bind failed")
	ErrConnect = errors.New("net: connect failed")

	// ErrIO is a transient socket error scoped to one peer or datagram.
	ErrIO = errors.New("net: io error")

	// ErrQueueFull is returned when a bounded queue cannot take a frame.
	ErrQueueFull = errors.New("net: queue full")

	// ErrFrameTooLarge is reported when a length prefix exceeds the node's
	// MaxFrameLen. The connection is closed.
	ErrFrameTooLarge = errors.New("net: frame too large")

	ErrUnknownNode = errors.New("net: unknown node")
	ErrUnknownPeer = errors.New("net: unknown peer")
	ErrNodeClosed  = errors.New("net: node closed")

	// ErrNoPeer is returned when a frame has no destination, e.g. a UDP
	// server without a sender address or default remote.
	ErrNoPeer = errors.New("net: no peer")

	// errPartialFrame marks a read that stopped inside a frame.
	errPartialFrame = errors.New("net: partial frame")
)
