package httpmw

import "net/http"

// SecurityHeaders sets conservative defaults for API responses. Hosts
// serving browser-rendered content should layer their own CSP on top.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Disable MIME type sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// Dont allow embedding in frames
		w.Header().Set("X-Frame-Options", "DENY")

		// Control information sent in the Referer header
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		// Restrict cross-origin resource use
		w.Header().Set("Cross-Origin-Resource-Policy", "same-origin")

		next.ServeHTTP(w, r)
	})
}
