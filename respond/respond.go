// Package respond holds the small response-writing helpers every handler in
// a frameworkless service ends up needing: status bodies, JSON encoding with
// the right headers, method guards, and a bounded JSON decoder.
package respond

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/keithlinneman/servekit/xerrors"
)

const (
	contentTypeJSON = "application/json; charset=utf-8"
	contentTypeText = "text/plain; charset=utf-8"
)

// Status writes a bare status code with no body.
func Status(w http.ResponseWriter, code int) {
	w.WriteHeader(code)
}

// Text writes a plain-text body with the given status.
func Text(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", contentTypeText)
	w.WriteHeader(code)
	_, _ = io.WriteString(w, body)
	if !strings.HasSuffix(body, "\n") {
		_, _ = io.WriteString(w, "\n")
	}
}

// JSON encodes v with the given status. Encoding errors after the header has
// been written cannot be reported to the client anymore, so they are only
// returned for the caller to log.
func JSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	return xerrors.EnsureTrace(enc.Encode(v))
}

// Error writes a JSON error body. The message is for clients; keep internal
// detail in logs.
func Error(w http.ResponseWriter, code int, msg string) {
	_ = JSON(w, code, map[string]string{"error": msg})
}

// NotFound writes the standard 404 body.
func NotFound(w http.ResponseWriter) {
	Error(w, http.StatusNotFound, "not found")
}

// NoContent writes 204 with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Created writes 201 with an optional Location header.
func Created(w http.ResponseWriter, location string) {
	if location != "" {
		w.Header().Set("Location", location)
	}
	w.WriteHeader(http.StatusCreated)
}

// MethodNotAllowed writes 405 and advertises the allowed methods.
func MethodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	Error(w, http.StatusMethodNotAllowed, "method not allowed")
}

// RequireMethod answers 405 and returns false unless the request uses the
// given method. Handlers can bail with a one-liner:
//
//	if !respond.RequireMethod(w, r, http.MethodGet) { return }
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		MethodNotAllowed(w, method)
		return false
	}
	return true
}

// DecodeJSON reads one JSON document from the request body into dst,
// rejecting bodies over maxBytes and trailing garbage after the document.
func DecodeJSON(r *http.Request, dst any, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBytes))
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(err, "decode request body")
	}
	if dec.More() {
		return xerrors.New("unexpected data after JSON document")
	}
	return nil
}

// IsJSONRequest reports whether the request declares a JSON body.
func IsJSONRequest(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct) == "application/json"
}

// IsBodyTooLarge reports whether err came from a http.MaxBytesReader limit
// (see httpmw.MaxBody), so handlers can map it to 413.
func IsBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
