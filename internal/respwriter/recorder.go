package respwriter

import (
	"bytes"
	"net/http"
)

// Recorder buffers a complete response in memory so it can be replayed to
// one or more clients.
type Recorder struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{header: make(http.Header)}
}

// Header implements http.ResponseWriter.
func (r *Recorder) Header() http.Header {
	return r.header
}

// WriteHeader implements http.ResponseWriter.
func (r *Recorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
}

// Write implements http.ResponseWriter.
func (r *Recorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(b)
}

// Status returns the recorded status, 200 when the handler wrote nothing.
func (r *Recorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// Body returns the recorded body.
func (r *Recorder) Body() []byte {
	return r.body.Bytes()
}

// Replay copies the recorded headers, status and body to w. Headers already
// present on w are overwritten.
func (r *Recorder) Replay(w http.ResponseWriter) {
	h := w.Header()
	for k, v := range r.header {
		h[k] = append([]string(nil), v...)
	}
	w.WriteHeader(r.Status())
	_, _ = w.Write(r.body.Bytes())
}
