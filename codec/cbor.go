package codec

import (
	cbor "github.com/fxamacker/cbor/v2"
)

type cborTransformer struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a deterministic CBOR transformer, the compact binary
// counterpart of JSON. Unknown fields are rejected on decode so that
// several struct types can share a channel.
func CBOR() (Transformer, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxArrayElements:  1 << 16,
		MaxMapPairs:       1 << 16,
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborTransformer{enc: em, dec: dm}, nil
}

// MustCBOR is CBOR for package-level registration.
func MustCBOR() Transformer {
	t, err := CBOR()
	if err != nil {
		panic(err)
	}
	return t
}

func (c cborTransformer) Name() string                       { return "cbor" }
func (c cborTransformer) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborTransformer) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }
