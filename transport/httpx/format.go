// Package httpx carries the metadata protocol over HTTP.
//
//	POST /nearcache/metadata   body: FetchRequest   -> Response
//	POST /nearcache/uuids      (no body)            -> AssignResponse
//
// Bodies are protobuf by default; CBOR, msgpack and JSON are also understood.
// The server answers in the format of the request's Content-Type (or Accept for
// the body-less uuids call).
package httpx

import (
	"mime"
	"strings"

	"github.com/unkn0wn-root/nearcache/codec"
	"github.com/unkn0wn-root/nearcache/metadata"
)

const (
	PathMetadata = "/nearcache/metadata"
	PathUUIDs    = "/nearcache/uuids"
)

// Format bundles the body codecs of one content type.
type Format struct {
	Request  codec.Codec[metadata.FetchRequest]
	Response codec.Codec[metadata.Response]
	Assign   codec.Codec[metadata.AssignResponse]
}

func (f Format) ContentType() string { return codec.ContentTypeOf(f.Response) }

func Protobuf() Format {
	return Format{
		Request:  metadata.RequestProto{},
		Response: metadata.ResponseProto{},
		Assign:   metadata.AssignProto{},
	}
}

func CBOR() Format {
	return Format{
		Request:  codec.MustCBOR[metadata.FetchRequest](true),
		Response: codec.MustCBOR[metadata.Response](true),
		Assign:   codec.MustCBOR[metadata.AssignResponse](true),
	}
}

func Msgpack() Format {
	return Format{
		Request:  codec.Msgpack[metadata.FetchRequest]{},
		Response: codec.Msgpack[metadata.Response]{},
		Assign:   codec.Msgpack[metadata.AssignResponse]{},
	}
}

func JSON() Format {
	return Format{
		Request:  codec.JSON[metadata.FetchRequest]{},
		Response: codec.JSON[metadata.Response]{},
		Assign:   codec.JSON[metadata.AssignResponse]{},
	}
}

// FormatByName maps a config value ("protobuf", "cbor", "msgpack", "json") to a
// Format. Empty selects protobuf.
func FormatByName(name string) (Format, bool) {
	switch strings.ToLower(name) {
	case "", "protobuf", "proto":
		return Protobuf(), true
	case "cbor":
		return CBOR(), true
	case "msgpack":
		return Msgpack(), true
	case "json":
		return JSON(), true
	}
	return Format{}, false
}

// limited caps Response decoding at max bytes.
func (f Format) limited(max int) Format {
	if max <= 0 {
		return f
	}
	f.Response = codec.Limit[metadata.Response]{Inner: f.Response, Max: max}
	f.Assign = codec.Limit[metadata.AssignResponse]{Inner: f.Assign, Max: max}
	return f
}

var formats = []Format{Protobuf(), CBOR(), Msgpack(), JSON()}

// formatFor picks the Format matching a Content-Type/Accept header value.
func formatFor(header string) (Format, bool) {
	if header == "" || header == "*/*" {
		return Protobuf(), true
	}
	for _, part := range strings.Split(header, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		for _, f := range formats {
			if f.ContentType() == mt {
				return f, true
			}
		}
	}
	return Format{}, false
}
