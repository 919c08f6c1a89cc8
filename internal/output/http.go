package output

import (
	"fmt"
	"net/http"
)

// HTTPWriter is a SubscriptionOutput backed by a chunked HTTP response
// writer, the same shape as a long-poll subscriber connection: one write
// per flush, explicit Flush after each, the request's own disconnect
// closing the loop rather than the writer closing itself.
type HTTPWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewHTTPWriter wraps w. w must support http.Flusher; callers typically
// set Transfer-Encoding: chunked (the default once WriteHeader is called
// without Content-Length) before the first StreamData call.
func NewHTTPWriter(w http.ResponseWriter) (*HTTPWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("output: response writer does not support flushing")
	}
	return &HTTPWriter{w: w, flusher: flusher}, nil
}

func (h *HTTPWriter) OnInitialized(sessionID string) error {
	h.w.Header().Set("X-Session-Id", sessionID)
	h.w.WriteHeader(http.StatusOK)
	h.flusher.Flush()
	return nil
}

// StreamData blocks on the underlying write exactly as spec.md §4.5
// requires: a slow client stalls the loop, which is the intended
// backpressure.
func (h *HTTPWriter) StreamData(batchBytes []byte) error {
	if _, err := h.w.Write(batchBytes); err != nil {
		return fmt.Errorf("output: write: %w", err)
	}
	h.flusher.Flush()
	return nil
}

func (h *HTTPWriter) OnException(err error) {
	// Best-effort: the connection may already be half-closed by the
	// client, so the error from Write here is not actionable.
	_, _ = h.w.Write([]byte(fmt.Sprintf(`{"exception":%q}`+"\n", err.Error())))
	h.flusher.Flush()
}
