package metadata

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when a metadata payload cannot be decoded.
var ErrMalformed = errors.New("nearcache: malformed metadata")

// Protobuf wire layout (hand-encoded, no generated code):
//
//	message FetchRequest      { repeated string names = 1; }
//	message PartitionUuid     { uint32 partition = 1; bytes uuid = 2; }
//	message PartitionSequence { uint32 partition = 1; uint64 sequence = 2; }
//	message NameSequences     { string name = 1; repeated PartitionSequence sequences = 2; }
//	message Response          { string member = 1; repeated PartitionUuid uuids = 2;
//	                            repeated NameSequences sequences = 3; }
//	message AssignResponse    { repeated bytes uuids = 1; }
//
// Encoders emit partitions and names in ascending order so output is deterministic.

const ContentTypeProtobuf = "application/x-protobuf"

// ResponseProto is a codec.Codec[Response] using the protobuf wire format.
type ResponseProto struct{}

// RequestProto is a codec.Codec[FetchRequest] using the protobuf wire format.
type RequestProto struct{}

// AssignProto is a codec.Codec[AssignResponse] using the protobuf wire format.
type AssignProto struct{}

func (RequestProto) ContentType() string  { return ContentTypeProtobuf }
func (ResponseProto) ContentType() string { return ContentTypeProtobuf }
func (AssignProto) ContentType() string   { return ContentTypeProtobuf }

func (RequestProto) Encode(r FetchRequest) ([]byte, error) {
	var b []byte
	for _, n := range r.Names {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, n)
	}
	return b, nil
}

func (RequestProto) Decode(b []byte) (FetchRequest, error) {
	var r FetchRequest
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num == 1 && typ == protowire.BytesType {
			r.Names = append(r.Names, string(v))
		}
		return nil
	})
	return r, err
}

func (ResponseProto) Encode(r Response) ([]byte, error) {
	var b []byte
	if r.Member != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, r.Member)
	}
	for _, p := range r.UUIDs.Partitions() {
		if p < 0 || p > math.MaxUint32 {
			return nil, fmt.Errorf("encode response: partition %d out of range", p)
		}
		u := r.UUIDs[p]
		var e []byte
		e = protowire.AppendTag(e, 1, protowire.VarintType)
		e = protowire.AppendVarint(e, uint64(p))
		e = protowire.AppendTag(e, 2, protowire.BytesType)
		e = protowire.AppendBytes(e, u[:])

		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	for _, name := range r.Sequences.Names() {
		seqs := r.Sequences[name]
		var ns []byte
		ns = protowire.AppendTag(ns, 1, protowire.BytesType)
		ns = protowire.AppendString(ns, name)
		for _, p := range seqs.Partitions() {
			if p < 0 || p > math.MaxUint32 {
				return nil, fmt.Errorf("encode response: partition %d out of range", p)
			}
			var e []byte
			e = protowire.AppendTag(e, 1, protowire.VarintType)
			e = protowire.AppendVarint(e, uint64(p))
			e = protowire.AppendTag(e, 2, protowire.VarintType)
			e = protowire.AppendVarint(e, seqs[p])

			ns = protowire.AppendTag(ns, 2, protowire.BytesType)
			ns = protowire.AppendBytes(ns, e)
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, ns)
	}
	return b, nil
}

func (ResponseProto) Decode(b []byte) (Response, error) {
	r := Response{
		UUIDs:     make(PartitionUUIDs),
		Sequences: make(NamePartitionSequences),
	}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			r.Member = string(v)
		case 2:
			p, u, err := decodePartitionUUID(v)
			if err != nil {
				return err
			}
			r.UUIDs[p] = u
		case 3:
			return decodeNameSequences(v, r.Sequences)
		}
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	return r, nil
}

func (AssignProto) Encode(r AssignResponse) ([]byte, error) {
	var b []byte
	for _, u := range r.UUIDs {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, u[:])
	}
	return b, nil
}

func (AssignProto) Decode(b []byte) (AssignResponse, error) {
	var r AssignResponse
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != 1 || typ != protowire.BytesType {
			return nil
		}
		u, err := uuid.FromBytes(v)
		if err != nil {
			return fmt.Errorf("%w: uuid: %v", ErrMalformed, err)
		}
		r.UUIDs = append(r.UUIDs, u)
		return nil
	})
	return r, err
}

func decodePartitionUUID(b []byte) (int, uuid.UUID, error) {
	var (
		p    uint64
		u    uuid.UUID
		seen bool
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, varint uint64, v []byte) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			p = varint
		case num == 2 && typ == protowire.BytesType:
			parsed, err := uuid.FromBytes(v)
			if err != nil {
				return fmt.Errorf("%w: uuid: %v", ErrMalformed, err)
			}
			u, seen = parsed, true
		}
		return nil
	})
	if err != nil {
		return 0, uuid.Nil, err
	}
	if !seen || p > math.MaxUint32 {
		return 0, uuid.Nil, fmt.Errorf("%w: partition uuid entry", ErrMalformed)
	}
	return int(p), u, nil
}

func decodeNameSequences(b []byte, out NamePartitionSequences) error {
	var (
		name string
		seqs = make(PartitionSequences)
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, _ uint64, v []byte) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			name = string(v)
		case num == 2 && typ == protowire.BytesType:
			var p, seq uint64
			err := walkFields(v, func(n protowire.Number, t protowire.Type, varint uint64, _ []byte) error {
				if t != protowire.VarintType {
					return nil
				}
				switch n {
				case 1:
					p = varint
				case 2:
					seq = varint
				}
				return nil
			})
			if err != nil {
				return err
			}
			if p > math.MaxUint32 {
				return fmt.Errorf("%w: partition %d", ErrMalformed, p)
			}
			seqs[int(p)] = seq
		}
		return nil
	})
	if err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("%w: sequences without name", ErrMalformed)
	}
	for p, seq := range seqs {
		out.Set(name, p, seq)
	}
	if len(seqs) == 0 {
		out[name] = make(PartitionSequences)
	}
	return nil
}

// walk visits length-delimited and varint fields; other wire types are skipped.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, _ uint64, v []byte) error {
		return fn(num, typ, v)
	})
}

func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, varint uint64, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		var (
			varint uint64
			v      []byte
		)
		switch typ {
		case protowire.VarintType:
			varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(num, typ, varint, v); err != nil {
			return err
		}
	}
	return nil
}
