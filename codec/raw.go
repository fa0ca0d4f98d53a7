package codec

import (
	"fmt"
)

type rawTransformer struct{}

// Raw passes []byte and string payloads through unchanged.
func Raw() Transformer { return rawTransformer{} }

func (rawTransformer) Name() string { return "raw" }

func (rawTransformer) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	}
	return nil, fmt.Errorf("raw: unsupported type %T", v)
}

func (rawTransformer) Unmarshal(data []byte, v any) error {
	switch p := v.(type) {
	case *[]byte:
		*p = append((*p)[:0], data...)
		return nil
	case *string:
		*p = string(data)
		return nil
	}
	return fmt.Errorf("raw: unsupported target %T", v)
}
