package router

import (
	"net/http"

	"github.com/codexgw/gateway/internal/upstream"
)

const streamBufferSize = 32 * 1024

var hopByHopResponseHeaders = map[string]bool{
	http.CanonicalHeaderKey("content-length"):    true,
	http.CanonicalHeaderKey("connection"):        true,
	http.CanonicalHeaderKey("transfer-encoding"): true,
}

// streamResponse writes the upstream status and headers once, then copies
// the body to w chunk by chunk, flushing after every chunk so interactive
// clients see bytes as they arrive. Per spec.md §4.5.2 this never retries
// or rewrites once headers are sent.
func streamResponse(w http.ResponseWriter, result upstream.Result) {
	defer result.Body.Close()

	copyResponseHeaders(w.Header(), result.Header)
	w.WriteHeader(result.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamBufferSize)
	for {
		n, err := result.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// writeThrough forwards a non-2xx upstream result's status and body
// unchanged, for the fatal/transient-exhausted branches.
func writeThrough(w http.ResponseWriter, result upstream.Result) {
	copyResponseHeaders(w.Header(), result.Header)
	w.WriteHeader(result.StatusCode)
	w.Write([]byte(result.BodyText))
}

func copyResponseHeaders(dst, src http.Header) {
	for k, values := range src {
		if hopByHopResponseHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

// writeText writes a bare (non-JSON) text body, matching spec.md §7's
// literal 401/500 response shapes.
func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(msg))
}

// writeJSONText writes a pre-built JSON literal body.
func writeJSONText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}
