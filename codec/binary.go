package codec

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Msgpack uses vmihailenco/msgpack/v5. The zero value is ready to use.
// Struct fields follow `msgpack:"..."` tags.
type Msgpack[V any] struct{}

func (Msgpack[V]) Encode(v V) ([]byte, error) { return msgpack.Marshal(v) }
func (Msgpack[V]) Decode(b []byte) (V, error) {
	var v V
	err := msgpack.Unmarshal(b, &v)
	return v, err
}
func (Msgpack[V]) ContentType() string { return ContentTypeMsgpack }

// CBOR uses fxamacker/cbor. The zero value is NOT ready; build with NewCBOR or
// MustCBOR.
type CBOR[V any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ Codec[struct{}] = CBOR[struct{}]{}

// NewCBOR builds a CBOR codec. Deterministic selects Core Deterministic encoding
// (RFC 8949), which sorts map keys; otherwise preferred unsorted encoding is used.
// Times are encoded as RFC3339Nano.
//
// DecMode caps map sizes at maxPairs so a hostile peer cannot make the decoder
// allocate an unbounded partition table.
func NewCBOR[V any](deterministic bool) (CBOR[V], error) {
	var eo cbor.EncOptions
	if deterministic {
		eo = cbor.CoreDetEncOptions()
	} else {
		eo = cbor.PreferredUnsortedEncOptions()
	}
	eo.Time = cbor.TimeRFC3339Nano

	em, err := eo.EncMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	dm, err := cbor.DecOptions{MaxMapPairs: maxPairs}.DecMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	return CBOR[V]{enc: em, dec: dm}, nil
}

const maxPairs = 1 << 20

// MustCBOR is NewCBOR that panics. Meant for package-level vars and tests.
func MustCBOR[V any](deterministic bool) CBOR[V] {
	c, err := NewCBOR[V](deterministic)
	if err != nil {
		panic(err)
	}
	return c
}

func (c CBOR[V]) Encode(v V) ([]byte, error) { return c.enc.Marshal(v) }
func (c CBOR[V]) Decode(b []byte) (V, error) {
	var v V
	err := c.dec.Unmarshal(b, &v)
	return v, err
}
func (CBOR[V]) ContentType() string { return ContentTypeCBOR }
