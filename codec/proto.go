package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

type protoTransformer struct {
	mo proto.MarshalOptions
	uo proto.UnmarshalOptions
}

// Proto returns a deterministic protobuf transformer. Use RegisterProto to
// bind message types to a channel.
func Proto() Transformer {
	return protoTransformer{
		mo: proto.MarshalOptions{Deterministic: true},
		uo: proto.UnmarshalOptions{DiscardUnknown: false},
	}
}

func (p protoTransformer) Name() string { return "proto" }

func (p protoTransformer) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("protobuf: value does not implement proto.Message: %T", v)
	}
	return p.mo.Marshal(msg)
}

func (p protoTransformer) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("protobuf: target does not implement proto.Message: %T", v)
	}
	return p.uo.Unmarshal(data, msg)
}
