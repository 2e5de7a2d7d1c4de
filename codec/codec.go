// Package codec turns values into bytes and back. Codecs serve two places: the
// value payload of near-cache entries and the request/response bodies of the HTTP
// metadata transport.
package codec

import (
	"encoding/json"
	"fmt"
)

// Codec encodes/decodes values V to []byte.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Typed is implemented by codecs that have a MIME type. The HTTP transport uses
// it for Content-Type and Accept headers.
type Typed interface {
	ContentType() string
}

const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/msgpack"
	ContentTypeCBOR    = "application/cbor"
	ContentTypeBytes   = "application/octet-stream"
)

// ContentTypeOf returns c's MIME type, or application/octet-stream when c does
// not declare one.
func ContentTypeOf(c any) string {
	if t, ok := c.(Typed); ok {
		return t.ContentType()
	}
	return ContentTypeBytes
}

type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
func (JSON[V]) ContentType() string { return ContentTypeJSON }

// Limit rejects payloads longer than Max before Inner sees them. Max <= 0 disables
// the check. Encode is not limited.
type Limit[V any] struct {
	Inner Codec[V]
	Max   int
}

func (c Limit[V]) Encode(v V) ([]byte, error) { return c.Inner.Encode(v) }
func (c Limit[V]) Decode(b []byte) (V, error) {
	if c.Max > 0 && len(b) > c.Max {
		var zero V
		return zero, fmt.Errorf("codec: payload too large: %d > %d", len(b), c.Max)
	}
	return c.Inner.Decode(b)
}
func (c Limit[V]) ContentType() string { return ContentTypeOf(c.Inner) }

// Bytes passes []byte values through unchanged.
type Bytes struct{}

func (Bytes) Encode(b []byte) ([]byte, error) { return b, nil }
func (Bytes) Decode(b []byte) ([]byte, error) { return b, nil }

// String stores strings as their UTF-8 bytes without validation.
type String struct{}

func (String) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (String) Decode(b []byte) (string, error) { return string(b), nil }
