// Package respwriter provides the http.ResponseWriter wrappers the pipeline
// stages use to observe what inner stages and the handler produced.
package respwriter

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
)

// Writer passes everything through to the wrapped ResponseWriter while
// recording the status, the number of body bytes and, when enabled, a
// bounded copy of the body. Hooks registered with OnCommit run right before
// the status line is sent.
type Writer struct {
	http.ResponseWriter

	status      int
	wroteHeader bool
	written     int64

	captureLimit int
	body         bytes.Buffer
	truncated    bool

	onCommit []func(status int)
}

// Wrap returns a Writer around w.
func Wrap(w http.ResponseWriter) *Writer {
	return &Writer{ResponseWriter: w}
}

// CaptureBody keeps up to limit bytes of the body. A body larger than limit
// is marked truncated and the kept prefix is retained.
func (w *Writer) CaptureBody(limit int) {
	w.captureLimit = limit
}

// OnCommit registers fn to run once, before the header is written.
func (w *Writer) OnCommit(fn func(status int)) {
	w.onCommit = append(w.onCommit, fn)
}

// WriteHeader records the status and forwards it exactly once.
func (w *Writer) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	// 1xx informational headers are not the final response.
	if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		w.ResponseWriter.WriteHeader(code)
		return
	}
	w.status = code
	w.wroteHeader = true
	for _, fn := range w.onCommit {
		fn(code)
	}
	w.ResponseWriter.WriteHeader(code)
}

// Write sends an implicit 200 if needed, captures and forwards b.
func (w *Writer) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	if w.captureLimit > 0 && !w.truncated {
		room := w.captureLimit - w.body.Len()
		if len(b) > room {
			w.body.Write(b[:room])
			w.truncated = true
		} else {
			w.body.Write(b)
		}
	}

	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

// Status returns the committed status, or 0 if nothing was written yet.
func (w *Writer) Status() int {
	return w.status
}

// StatusOr returns the committed status or def when nothing was written.
func (w *Writer) StatusOr(def int) int {
	if w.status == 0 {
		return def
	}
	return w.status
}

// Committed reports whether the header has been sent.
func (w *Writer) Committed() bool {
	return w.wroteHeader
}

// BytesWritten returns the number of body bytes forwarded.
func (w *Writer) BytesWritten() int64 {
	return w.written
}

// Body returns the captured body prefix.
func (w *Writer) Body() []byte {
	return w.body.Bytes()
}

// Truncated reports whether the body exceeded the capture limit.
func (w *Writer) Truncated() bool {
	return w.truncated
}

// Flush implements http.Flusher for streaming responses.
func (w *Writer) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for protocol upgrades.
func (w *Writer) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *Writer) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
