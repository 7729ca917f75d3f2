// Package responsewriter records what a handler wrote so that the logging
// and metrics middleware can report it after the fact.
package responsewriter

import (
	"net/http"
)

// PolicyHeader names the rate-limit policy that was applied to a response.
const PolicyHeader = "X-RateLimit-Policy"

// ResponseWriter records the status code, the body size and the applied
// rate-limit policy of a response.
type ResponseWriter struct {
	http.ResponseWriter
	statusCode    int
	bytesWritten  int
	headerWritten bool
	policy        string
}

// Wrap returns a recording writer for w. Wrapping a writer that is already
// recording returns it unchanged, so nested middleware share one record.
func Wrap(w http.ResponseWriter) *ResponseWriter {
	if rw, ok := w.(*ResponseWriter); ok {
		return rw
	}
	return &ResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader records the status code and the policy header. Only the
// first call reaches the underlying writer.
func (w *ResponseWriter) WriteHeader(statusCode int) {
	if w.headerWritten {
		return
	}
	w.statusCode = statusCode
	w.headerWritten = true
	w.policy = w.Header().Get(PolicyHeader)
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write writes b, sending an implicit 200 first if needed.
func (w *ResponseWriter) Write(b []byte) (int, error) {
	if !w.headerWritten {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += n
	return n, err
}

// Flush implements http.Flusher when the underlying writer does.
func (w *ResponseWriter) Flush() {
	if !w.headerWritten {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// StatusCode returns the status sent, or 200 if nothing was written.
func (w *ResponseWriter) StatusCode() int {
	return w.statusCode
}

// BytesWritten returns the body size written so far.
func (w *ResponseWriter) BytesWritten() int {
	return w.bytesWritten
}

// Policy returns the rate-limit policy the response was checked against,
// or "" when the request was not limited.
func (w *ResponseWriter) Policy() string {
	if !w.headerWritten {
		return w.Header().Get(PolicyHeader)
	}
	return w.policy
}

// Rejected reports whether the response was a rate-limit rejection.
func (w *ResponseWriter) Rejected() bool {
	return w.statusCode == http.StatusTooManyRequests
}

// Unwrap returns the underlying writer for http.ResponseController.
func (w *ResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
