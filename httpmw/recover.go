package httpmw

import (
	"net/http"

	"github.com/keithlinneman/servekit/log"
	"github.com/keithlinneman/servekit/respond"
	"github.com/keithlinneman/servekit/xerrors"
)

// Recover catches handler panics, logs them with a stack, serves a 500, and
// invokes onPanic (metrics/alerting hook) when non-nil. http.ErrAbortHandler
// is re-panicked so the server's own abort path keeps working.
func Recover(base log.Logger, onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				err, ok := rec.(error)
				if !ok {
					err = xerrors.Newf("panic: %v", rec)
				} else {
					err = xerrors.Wrap(err, "panic")
				}

				L := base
				if L == nil {
					L = log.FromContext(r.Context())
				}
				L.Error(r.Context(), err, "recovered handler panic",
					"url.path", r.URL.Path,
					"http.request.method", r.Method,
				)
				if onPanic != nil {
					onPanic()
				}

				// header may already be gone; best effort
				respond.Error(w, http.StatusInternalServerError, "internal server error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}
