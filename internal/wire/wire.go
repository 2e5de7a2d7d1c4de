package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version   byte = 1
	kindEntry byte = 1

	headerLen = 4 + 1 + 1 + 4 + 8 + 8 + 4
)

var (
	ErrCorrupt = errors.New("nearcache: corrupt entry")
	magic4     = [...]byte{'N', 'C', 'E', 'N'}
)

// Header carries what a reader needs to decide whether an entry is still valid:
// the partition the key hashed to and the scope and key generations observed when
// the value was fetched.
type Header struct {
	Partition uint32
	ScopeGen  uint64
	KeyGen    uint64
}

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Encode frames payload:
//
//	magic(4) | ver(1) | kind(1) | partition(u32 be) | scopeGen(u64 be) | keyGen(u64 be) | vlen(u32 be) | payload(vlen)
func Encode(h Header, payload []byte) []byte {
	buf := make([]byte, headerLen, headerLen+len(payload))
	copy(buf, magic4[:])
	buf[4] = version
	buf[5] = kindEntry
	off := 6
	binary.BigEndian.PutUint32(buf[off:], h.Partition)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], h.ScopeGen)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], h.KeyGen)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(len(payload)))
	return append(buf, payload...)
}

// Decode parses a frame. The returned payload aliases b.
func Decode(b []byte) (Header, []byte, error) {
	if len(b) < headerLen || !hasMagic(b) || b[4] != version || b[5] != kindEntry {
		return Header{}, nil, ErrCorrupt
	}
	var h Header
	off := 6
	h.Partition = binary.BigEndian.Uint32(b[off:])
	off += 4
	h.ScopeGen = binary.BigEndian.Uint64(b[off:])
	off += 8
	h.KeyGen = binary.BigEndian.Uint64(b[off:])
	off += 8
	vlen := uint64(binary.BigEndian.Uint32(b[off:]))
	off += 4
	if vlen != uint64(len(b)-off) {
		// short or trailing bytes
		return Header{}, nil, ErrCorrupt
	}
	return h, b[off:], nil
}
