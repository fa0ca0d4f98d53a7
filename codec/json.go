package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

type jsonTransformer struct{}

// JSON returns the encoding/json transformer. Decoding is strict: unknown
// fields and trailing data fail, so several JSON types can share a channel.
func JSON() Transformer { return jsonTransformer{} }

func (jsonTransformer) Name() string                  { return "json" }
func (jsonTransformer) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonTransformer) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("json: trailing data after value")
	}
	return nil
}
