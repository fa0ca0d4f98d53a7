// Package codec turns application messages into wire bytes and back, per
// channel. A channel may carry several message types; each registered type
// gets its own encode/decode pair.
package codec

import (
	"errors"
	"fmt"
	"strings"
)

// ChannelID names a logical channel, e.g. "chat" or "udp". Many nodes may
// share one.
type ChannelID string

// Transformer is a message serialization format.
type Transformer interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	// ErrNoTransformer is returned when nothing is registered for a channel,
	// or nothing registered on it accepts the message type.
	ErrNoTransformer = errors.New("codec: no transformer")

	// ErrDecode is matched by every *DecodeError.
	ErrDecode = errors.New("codec: decode failed")
)

// DecodeError reports a frame that no transformer on its channel could
// decode. It affects only that frame.
type DecodeError struct {
	Channel ChannelID
	Len     int
	Causes  []error
}

func (e *DecodeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "codec: decode %d bytes on channel %q failed", e.Len, e.Channel)
	for i, c := range e.Causes {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(c.Error())
	}
	return b.String()
}

func (e *DecodeError) Unwrap() []error {
	return append([]error{ErrDecode}, e.Causes...)
}
