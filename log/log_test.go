package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/keithlinneman/servekit/log"
	"github.com/keithlinneman/servekit/xerrors"
)

// newTestLogger builds a logger writing JSON to buf so we can inspect output.
func newTestLogger(t *testing.T, buf *bytes.Buffer, opts log.Options) log.Logger {
	t.Helper()
	opts.Writer = buf
	opts.JSONFormat = true
	l, err := log.New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

// jsonRecord parses the last non-empty JSON log line in buf.
func jsonRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	last := lines[len(lines)-1]
	var m map[string]any
	if err := json.Unmarshal([]byte(last), &m); err != nil {
		t.Fatalf("parse JSON log line: %v\nraw: %s", err, last)
	}
	return m
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"verbose", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := log.ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("log.ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("log.ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInfo_EmitsMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, log.Options{App: "myapp", Level: slog.LevelInfo})

	l.Info(context.Background(), "hello", "port", 8080)

	m := jsonRecord(t, &buf)
	if m["msg"] != "hello" {
		t.Errorf("msg = %v", m["msg"])
	}
	if m["app"] != "myapp" {
		t.Errorf("app = %v", m["app"])
	}
	if m["port"] != float64(8080) {
		t.Errorf("port = %v", m["port"])
	}
}

func TestDebug_SuppressedBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, log.Options{Level: slog.LevelInfo})

	l.Debug(context.Background(), "too quiet")

	if buf.Len() != 0 {
		t.Fatalf("debug record should be suppressed, got %q", buf.String())
	}
}

func TestWith_AddsPersistentAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, log.Options{Level: slog.LevelInfo})

	l2 := l.With("component", "server")
	l2.Info(context.Background(), "ready")

	m := jsonRecord(t, &buf)
	if m["component"] != "server" {
		t.Errorf("component = %v", m["component"])
	}

	// parent logger must be unaffected
	buf.Reset()
	l.Info(context.Background(), "plain")
	m = jsonRecord(t, &buf)
	if _, ok := m["component"]; ok {
		t.Error("parent logger should not carry child attrs")
	}
}

func TestError_IncludesErrAndChain(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, log.Options{Level: slog.LevelInfo})

	err := xerrors.Wrap(xerrors.New("root cause"), "loading")
	l.Error(context.Background(), err, "load failed")

	m := jsonRecord(t, &buf)
	if m["err"] != "loading: root cause" {
		t.Errorf("err = %v", m["err"])
	}
	chain, ok := m["error_chain"].([]any)
	if !ok || len(chain) < 2 {
		t.Fatalf("error_chain = %v", m["error_chain"])
	}
}

func TestError_AttachesStackFromXerrors(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, log.Options{Level: slog.LevelInfo})

	l.Error(context.Background(), xerrors.New("boom"), "failed")

	m := jsonRecord(t, &buf)
	stack, _ := m["stack"].(string)
	if !strings.Contains(stack, "TestError_AttachesStackFromXerrors") {
		t.Errorf("stack should contain error creation site, got:\n%s", stack)
	}
}

func TestNop_IsSilentAndChainable(t *testing.T) {
	l := log.Nop().With("k", "v")
	l.Info(context.Background(), "nothing")
	l.Error(context.Background(), xerrors.New("x"), "nothing")
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

func TestFromContext_RoundTripAndFallback(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, log.Options{Level: slog.LevelInfo})

	ctx := log.WithContext(context.Background(), l)
	log.FromContext(ctx).Info(ctx, "via context")
	if m := jsonRecord(t, &buf); m["msg"] != "via context" {
		t.Errorf("msg = %v", m["msg"])
	}

	// missing logger falls back to nop, never nil
	if log.FromContext(context.Background()) == nil {
		t.Fatal("log.FromContext should never return nil")
	}
}
