// Package transport defines how the reconciliation engine talks to data members.
//
// The engine depends only on Transport. Implementations exist for the embedded
// (in-process) mode and for HTTP; a Source is the member-side counterpart that
// produces metadata.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/nearcache/cluster"
	"github.com/unkn0wn-root/nearcache/metadata"
)

// Transport carries metadata RPCs to cluster members. Implementations must be
// safe for concurrent use and must honor ctx cancellation.
type Transport interface {
	// FetchMetadata asks member for the invalidation metadata of names.
	FetchMetadata(ctx context.Context, member cluster.Member, names []string) (*metadata.Response, error)
	// AssignUUIDs asks any member for the current ownership token of every
	// partition, ordered by partition id.
	AssignUUIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Source produces metadata on the member side.
type Source interface {
	Metadata(ctx context.Context, names []string) (*metadata.Response, error)
	AssignUUIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Invalidation is a pushed invalidation event. Key is empty when the whole
// partition scope of Name is invalidated.
type Invalidation struct {
	Name          string    `json:"name" msgpack:"n"`
	Key           string    `json:"key,omitempty" msgpack:"k,omitempty"`
	Partition     int       `json:"partition" msgpack:"p"`
	Sequence      uint64    `json:"sequence" msgpack:"s"`
	PartitionUUID uuid.UUID `json:"partitionUuid" msgpack:"u"`
	Source        string    `json:"source,omitempty" msgpack:"o,omitempty"`
}

var ErrMemberUnreachable = errors.New("transport: member unreachable")

// DecodeError reports a response that arrived but could not be decoded.
type DecodeError struct {
	Member string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("transport: decode response from %q: %v", e.Member, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Status classifies the outcome of one member call.
type Status uint8

const (
	StatusOK Status = iota
	StatusTimeout
	StatusTransportFailure
	StatusDecodeFailure
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTimeout:
		return "timeout"
	case StatusTransportFailure:
		return "transport_failure"
	case StatusDecodeFailure:
		return "decode_failure"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Classify maps an error returned by a Transport to a Status.
func Classify(err error) Status {
	var de *DecodeError
	switch {
	case err == nil:
		return StatusOK
	case errors.As(err, &de):
		return StatusDecodeFailure
	case errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	default:
		return StatusTransportFailure
	}
}
