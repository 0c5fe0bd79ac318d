package pipeline

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/Sternrassler/ce-gateway/internal/respwriter"
	"github.com/Sternrassler/ce-gateway/pkg/apierror"
	"github.com/Sternrassler/ce-gateway/pkg/reqctx"
)

// entry captures the RequestContext and turns a handler panic into the
// structured 500 response. Inner stages observe the panic on its way out;
// this is the only place it is recovered.
func (o *Orchestrator) entry(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, rc := reqctx.Capture(r, o.capture)
		w.Header().Set(reqctx.HeaderRequestID, rc.ID)
		rw := respwriter.Wrap(w)

		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if p == http.ErrAbortHandler {
				panic(p)
			}

			event := o.logger.Error().
				Interface("panic", p).
				Str("method", rc.Method).
				Str("path", rc.Path).
				Str("request_id", rc.ID).
				Bytes("stack", debug.Stack())

			if rw.Committed() {
				event.Int("status", rw.Status()).Msg("Handler panicked after the response was committed")
				return
			}
			event.Msg("Handler panicked")

			// drop framing headers of the abandoned response
			h := rw.Header()
			h.Del("Content-Length")
			h.Del("Content-Encoding")
			h.Del("ETag")

			e := apierror.Internal(fmt.Errorf("handler panic: %v", p))
			e.RequestID = rc.ID
			apierror.Write(rw, e)
		}()

		next.ServeHTTP(rw, r)
	})
}
