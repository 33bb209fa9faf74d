package intercept

import (
	"bytes"
	"net/http"
)

// defaultCaptureLimit bounds the response bytes accumulated for logging.
// Delivery to the caller is never bounded; overflow only degrades capture.
const defaultCaptureLimit = 1 << 20

// responseRecorder tees response bytes to the caller while accumulating a
// bounded copy for the trace log. Writes pass through unbuffered and each
// one is flushed, so SSE delivery timing is preserved.
type responseRecorder struct {
	http.ResponseWriter
	flusher http.Flusher

	statusCode int
	buf        bytes.Buffer
	limit      int
	truncated  bool
	wrote      bool
}

func newResponseRecorder(w http.ResponseWriter, limit int) *responseRecorder {
	if limit <= 0 {
		limit = defaultCaptureLimit
	}
	flusher, _ := w.(http.Flusher)
	return &responseRecorder{
		ResponseWriter: w,
		flusher:        flusher,
		statusCode:     http.StatusOK,
		limit:          limit,
	}
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(p []byte) (int, error) {
	rr.wrote = true
	rr.record(p)
	n, err := rr.ResponseWriter.Write(p)
	rr.Flush()
	return n, err
}

func (rr *responseRecorder) record(p []byte) {
	if rr.truncated {
		return
	}
	room := rr.limit - rr.buf.Len()
	if len(p) > room {
		rr.buf.Write(p[:room])
		rr.truncated = true
		return
	}
	rr.buf.Write(p)
}

// Flush forwards to the underlying writer when it supports flushing.
func (rr *responseRecorder) Flush() {
	if rr.flusher != nil {
		rr.flusher.Flush()
	}
}

// Body returns the accumulated copy and whether it was truncated.
func (rr *responseRecorder) Body() ([]byte, bool) {
	return rr.buf.Bytes(), rr.truncated
}
