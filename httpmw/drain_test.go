package httpmw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/servekit/drain"
)

func TestDrain_PassesThroughWhileRunning(t *testing.T) {
	c := drain.New()
	var sawInflight int
	h := Drain(c, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawInflight = c.Inflight()
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if sawInflight != 1 {
		t.Fatalf("inflight during handler = %d, want 1", sawInflight)
	}
	if c.Inflight() != 0 {
		t.Fatalf("inflight after handler = %d, want 0", c.Inflight())
	}
}

func TestDrain_RejectsWhileDraining(t *testing.T) {
	c := drain.New()
	tok, _ := c.BeginRequest()
	if err := c.BeginDrain(time.Minute); err != nil {
		t.Fatal(err)
	}
	defer c.EndRequest(tok)

	rejected := 0
	h := Drain(c, func() { rejected++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run while draining")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After should be set")
	}
	if !strings.Contains(rec.Body.String(), "shutting down") {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rejected != 1 {
		t.Fatalf("onRejected calls = %d, want 1", rejected)
	}
}

func TestDrain_ReleasesTokenOnHandlerPanic(t *testing.T) {
	c := drain.New()
	h := Drain(c, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	func() {
		defer func() { _ = recover() }()
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}()

	if c.Inflight() != 0 {
		t.Fatalf("inflight = %d, token must be released even on panic", c.Inflight())
	}
}
