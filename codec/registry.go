package codec

import (
	"fmt"
	"reflect"
	"sync"

	"google.golang.org/protobuf/proto"
)

type entry struct {
	typ    reflect.Type
	name   string
	accept func(msg any) bool
	encode func(msg any) ([]byte, error)
	decode func(data []byte) (any, error)
}

// Registry maps (channel, message type) to a transformer. Register during
// setup; Encode and Decode are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	channels map[ChannelID][]*entry
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[ChannelID][]*entry)}
}

func (r *Registry) add(ch ChannelID, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.channels[ch]
	for i, old := range entries {
		if old.typ == e.typ {
			entries[i] = e
			return
		}
	}
	r.channels[ch] = append(entries, e)
}

// RegisterFunc registers enc/dec for messages of type T on ch. Registering
// the same (ch, T) again replaces the previous pair and keeps its position
// in decode order.
func RegisterFunc[T any](r *Registry, ch ChannelID, name string, enc func(T) ([]byte, error), dec func([]byte) (T, error)) {
	r.add(ch, &entry{
		typ:  reflect.TypeFor[T](),
		name: name,
		accept: func(msg any) bool {
			_, ok := msg.(T)
			return ok
		},
		encode: func(msg any) ([]byte, error) {
			return enc(msg.(T))
		},
		decode: func(data []byte) (any, error) {
			return dec(data)
		},
	})
}

// Register registers t for values of type T on ch. T is decoded by
// unmarshaling into a *T.
func Register[T any](r *Registry, ch ChannelID, t Transformer) {
	RegisterFunc(r, ch, t.Name(),
		func(v T) ([]byte, error) {
			return t.Marshal(v)
		},
		func(data []byte) (T, error) {
			var v T
			err := t.Unmarshal(data, &v)
			return v, err
		})
}

// RegisterProto registers protobuf message type T (a pointer type such as
// *structpb.Struct) on ch.
func RegisterProto[T proto.Message](r *Registry, ch ChannelID) {
	var zero T
	mt := zero.ProtoReflect().Type()
	t := Proto()
	RegisterFunc(r, ch, t.Name(),
		func(v T) ([]byte, error) {
			return t.Marshal(v)
		},
		func(data []byte) (T, error) {
			v := mt.New().Interface().(T)
			err := t.Unmarshal(data, v)
			return v, err
		})
}

// Has reports whether anything is registered on ch.
func (r *Registry) Has(ch ChannelID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[ch]) > 0
}

// Channels lists the channels with at least one registration.
func (r *Registry) Channels() []ChannelID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chs := make([]ChannelID, 0, len(r.channels))
	for ch := range r.channels {
		chs = append(chs, ch)
	}
	return chs
}

func (r *Registry) lookup(ch ChannelID, msg any) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.channels[ch]
	typ := reflect.TypeOf(msg)
	for _, e := range entries {
		if e.typ == typ {
			return e
		}
	}
	// Interface registrations, e.g. Register[proto.Message].
	for _, e := range entries {
		if e.accept(msg) {
			return e
		}
	}
	return nil
}

// Encode serializes msg with the transformer registered on ch for its type.
func (r *Registry) Encode(ch ChannelID, msg any) ([]byte, error) {
	e := r.lookup(ch, msg)
	if e == nil {
		return nil, fmt.Errorf("%w: channel %q, type %T", ErrNoTransformer, ch, msg)
	}
	data, err := e.encode(msg)
	if err != nil {
		return nil, fmt.Errorf("codec: %s encode %T on channel %q: %w", e.name, msg, ch, err)
	}
	return data, nil
}

// Decode tries every transformer on ch in registration order and returns
// the first successful result. If all fail the error is a *DecodeError. A
// panicking decoder counts as a failure.
func (r *Registry) Decode(ch ChannelID, data []byte) (any, error) {
	r.mu.RLock()
	entries := r.channels[ch]
	r.mu.RUnlock()

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: channel %q", ErrNoTransformer, ch)
	}

	derr := &DecodeError{Channel: ch, Len: len(data)}
	for _, e := range entries {
		msg, err := safeDecode(e, data)
		if err == nil {
			return msg, nil
		}
		derr.Causes = append(derr.Causes, fmt.Errorf("%s as %v: %w", e.name, e.typ, err))
	}
	return nil, derr
}

func safeDecode(e *entry, data []byte) (msg any, err error) {
	defer func() {
		if p := recover(); p != nil {
			msg, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	return e.decode(data)
}
