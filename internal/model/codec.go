package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Codec turns values into blobs and back.
//
// The collection and key are passed so that one codec can serve differently
// shaped collections. Encode(nil) must return nil; Decode(nil) must return nil.
type Codec interface {
	Encode(collection, key string, v any) ([]byte, error)
	Decode(collection, key string, data []byte) (any, error)
}

// Sanitizer hooks run around serialization.
//
// Pre runs before the value is serialized, cached or handed to extensions and
// may return a replacement. Post runs after extensions processed the value.
type Sanitizer struct {
	Pre  func(collection, key string, v any) any
	Post func(collection, key string, v any)
}

// JSONCodec encodes with encoding/json and decodes into generic values
// (map[string]any, []any, float64, string, bool).
type JSONCodec struct{}

// Encode implements Codec.
func (JSONCodec) Encode(collection, key string, v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode %s/%s: %w", collection, key, err)
	}
	return data, nil
}

// Decode implements Codec.
func (JSONCodec) Decode(collection, key string, data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("json decode %s/%s: %w", collection, key, err)
	}
	return v, nil
}

// TypedJSONCodec decodes JSON into a T. Encode accepts T or *T.
type TypedJSONCodec[T any] struct{}

// Encode implements Codec.
func (TypedJSONCodec[T]) Encode(collection, key string, v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch v.(type) {
	case T, *T:
	default:
		return nil, fmt.Errorf("json encode %s/%s: unexpected type %T", collection, key, v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode %s/%s: %w", collection, key, err)
	}
	return data, nil
}

// Decode implements Codec.
func (TypedJSONCodec[T]) Decode(collection, key string, data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("json decode %s/%s: %w", collection, key, err)
	}
	return v, nil
}

// RawCodec stores []byte values as-is.
type RawCodec struct{}

// Encode implements Codec.
func (RawCodec) Encode(collection, key string, v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return nil, fmt.Errorf("raw encode %s/%s: unexpected type %T", collection, key, v)
	}
}

// Decode implements Codec.
func (RawCodec) Decode(collection, key string, data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	return data, nil
}
