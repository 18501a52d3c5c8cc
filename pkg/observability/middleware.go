package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MetricsMiddleware records rulechain_requests_total for every request and
// rulechain_request_duration_seconds for requests answered with a single
// body. A streamed execution keeps its request open for the whole run, so
// its time is covered by rulechain_step_duration_seconds instead.
//
// The route label is the ServeMux pattern that matched the request, which
// keeps label cardinality bounded for paths carrying ids.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		class := strconv.Itoa(rw.status/100) + "xx"

		RequestsTotal.WithLabelValues(r.Method, class, route).Inc()
		if !rw.streamed {
			RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

// recordingWriter notes the status code and whether the response is an
// event stream.
type recordingWriter struct {
	http.ResponseWriter
	status   int
	streamed bool
	wrote    bool
}

func (w *recordingWriter) WriteHeader(status int) {
	w.capture(status)
	w.ResponseWriter.WriteHeader(status)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.capture(http.StatusOK)
	return w.ResponseWriter.Write(b)
}

func (w *recordingWriter) capture(status int) {
	if w.wrote {
		return
	}
	w.wrote = true
	w.status = status
	w.streamed = strings.HasPrefix(w.Header().Get("Content-Type"), "text/event-stream")
}

// Flush passes through so SSE frames reach the client immediately.
func (w *recordingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *recordingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
