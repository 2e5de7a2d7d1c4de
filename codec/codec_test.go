package codec

import (
	"strings"
	"testing"
	"time"
)

type rec struct {
	ID    string    `json:"id" msgpack:"id" cbor:"id"`
	Count int       `json:"count" msgpack:"count" cbor:"count"`
	At    time.Time `json:"at" msgpack:"at" cbor:"at"`
}

func TestCodecsRoundTrip(t *testing.T) {
	in := rec{ID: "r1", Count: 3, At: time.Unix(1700000000, 123).UTC()}
	codecs := map[string]Codec[rec]{
		"json":    JSON[rec]{},
		"msgpack": Msgpack[rec]{},
		"cbor":    MustCBOR[rec](false),
		"cbordet": MustCBOR[rec](true),
	}
	for name, c := range codecs {
		b, err := c.Encode(in)
		if err != nil {
			t.Fatalf("%s encode: %v", name, err)
		}
		out, err := c.Decode(b)
		if err != nil {
			t.Fatalf("%s decode: %v", name, err)
		}
		if out.ID != in.ID || out.Count != in.Count || !out.At.Equal(in.At) {
			t.Fatalf("%s: got %+v want %+v", name, out, in)
		}
	}
}

func TestContentTypes(t *testing.T) {
	cases := map[string]any{
		ContentTypeJSON:    JSON[rec]{},
		ContentTypeMsgpack: Msgpack[rec]{},
		ContentTypeCBOR:    MustCBOR[rec](false),
		ContentTypeBytes:   Bytes{},
	}
	for want, c := range cases {
		if got := ContentTypeOf(c); got != want {
			t.Fatalf("ContentTypeOf(%T)=%q want %q", c, got, want)
		}
	}
	if got := ContentTypeOf(Limit[rec]{Inner: Msgpack[rec]{}}); got != ContentTypeMsgpack {
		t.Fatalf("Limit should report inner type, got %q", got)
	}
}

func TestLimitRejectsOversized(t *testing.T) {
	c := Limit[string]{Inner: String{}, Max: 4}
	if _, err := c.Decode([]byte("12345")); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("expected too large error, got %v", err)
	}
	if v, err := c.Decode([]byte("1234")); err != nil || v != "1234" {
		t.Fatalf("v=%q err=%v", v, err)
	}
	unlimited := Limit[string]{Inner: String{}}
	if _, err := unlimited.Decode(make([]byte, 1<<16)); err != nil {
		t.Fatalf("Max=0 must not limit: %v", err)
	}
}
