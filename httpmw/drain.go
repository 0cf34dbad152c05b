package httpmw

import (
	"net/http"

	"github.com/keithlinneman/servekit/drain"
	"github.com/keithlinneman/servekit/respond"
)

// Drain registers every request with the coordinator for its lifetime.
// Requests arriving after drain has begun get 503 with Retry-After so load
// balancers retry elsewhere. OnRejected, when non-nil, is called for each
// rejected request (metrics hook).
func Drain(c *drain.Coordinator, onRejected func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, err := c.BeginRequest()
			if err != nil {
				if onRejected != nil {
					onRejected()
				}
				w.Header().Set("Retry-After", "5")
				w.Header().Set("Connection", "close")
				respond.Error(w, http.StatusServiceUnavailable, "shutting down")
				return
			}
			defer c.EndRequest(tok)
			next.ServeHTTP(w, r)
		})
	}
}
