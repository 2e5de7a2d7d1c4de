package httpx

import (
	"io"
	"net/http"

	"github.com/unkn0wn-root/nearcache/metadata"
	"github.com/unkn0wn-root/nearcache/transport"
)

const maxRequestBody = 1 << 20

// Handler serves the member side of the protocol from src.
func Handler(src transport.Source) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PathMetadata, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		f, ok := formatFor(r.Header.Get("Content-Type"))
		if !ok {
			http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		req, err := f.Request.Decode(body)
		if err != nil {
			http.Error(w, "decode request: "+err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := src.Metadata(r.Context(), req.Names)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		write(w, f.ContentType(), func() ([]byte, error) { return f.Response.Encode(*resp) })
	})
	mux.HandleFunc(PathUUIDs, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		f, ok := formatFor(r.Header.Get("Accept"))
		if !ok {
			http.Error(w, "not acceptable", http.StatusNotAcceptable)
			return
		}
		uuids, err := src.AssignUUIDs(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		write(w, f.ContentType(), func() ([]byte, error) {
			return f.Assign.Encode(metadata.AssignResponse{UUIDs: uuids})
		})
	})
	return mux
}

func write(w http.ResponseWriter, contentType string, encode func() ([]byte, error)) {
	b, err := encode()
	if err != nil {
		http.Error(w, "encode response: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}
