package xlog_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/omeyang/xguard/pkg/observability/xlog"
)

func testCleanup(t *testing.T, cleanup func() error) {
	t.Helper()
	t.Cleanup(func() {
		if err := cleanup(); err != nil {
			t.Errorf("cleanup error: %v", err)
		}
	})
}

func newJSONLogger(t *testing.T, buf *bytes.Buffer, level xlog.Level) xlog.LoggerWithLevel {
	t.Helper()
	logger, cleanup, err := xlog.New().SetOutput(buf).SetFormat("json").SetLevel(level).Build()
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	testCleanup(t, cleanup)
	return logger
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid json line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(t, &buf, xlog.LevelInfo)
	ctx := context.Background()

	logger.Debug(ctx, "hidden")
	logger.Info(ctx, "info message")
	logger.Warn(ctx, "warn message")
	logger.Error(ctx, "error message")

	lines := decodeLines(t, &buf)
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %s", len(lines), buf.String())
	}
	if lines[0]["msg"] != "info message" || lines[2]["level"] != "ERROR" {
		t.Errorf("unexpected output: %v", lines)
	}

	buf.Reset()
	logger.SetLevel(xlog.LevelDebug)
	if logger.GetLevel() != xlog.LevelDebug {
		t.Errorf("GetLevel() = %v", logger.GetLevel())
	}
	if !logger.Enabled(ctx, xlog.LevelDebug) {
		t.Error("debug should be enabled")
	}
	logger.Debug(ctx, "visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("debug not written after SetLevel: %s", buf.String())
	}
}

func TestLogger_CacheAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(t, &buf, xlog.LevelInfo).With(xlog.Component("xcache"))

	logger.Warn(context.Background(), "lock contention",
		xlog.Key("user:42"),
		xlog.TTL(300*time.Second),
		xlog.Strategy("mutex"),
		xlog.Attempt(3),
		xlog.Count(7),
		xlog.Duration(1500*time.Millisecond),
		xlog.Operation("load.mutex"),
		xlog.Err(errors.New("boom")),
		xlog.Err(nil),
	)

	line := decodeLines(t, &buf)[0]
	want := map[string]any{
		xlog.KeyComponent: "xcache",
		xlog.KeyCacheKey:  "user:42",
		xlog.KeyTTL:       "5m0s",
		xlog.KeyStrategy:  "mutex",
		xlog.KeyAttempt:   float64(3),
		xlog.KeyCount:     float64(7),
		xlog.KeyDuration:  "1.5s",
		xlog.KeyOperation: "load.mutex",
		xlog.KeyError:     "boom",
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("%s = %v, want %v", k, line[k], v)
		}
	}
}

func TestLogger_WithGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(t, &buf, xlog.LevelInfo)

	logger.WithGroup("refresh").Info(context.Background(), "scheduled", xlog.Key("k"))
	line := decodeLines(t, &buf)[0]
	group, ok := line["refresh"].(map[string]any)
	if !ok || group[xlog.KeyCacheKey] != "k" {
		t.Errorf("group not applied: %v", line)
	}

	if logger.WithGroup("") != logger || logger.With() != logger {
		t.Error("empty With/WithGroup should return the same logger")
	}
}

func TestLogger_Stack(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(t, &buf, xlog.LevelInfo)

	logger.Stack(context.Background(), "panic recovered", slog.Any("panic", "x"))
	line := decodeLines(t, &buf)[0]
	stack, _ := line[xlog.KeyStack].(string)
	if !strings.Contains(stack, "goroutine") {
		t.Errorf("stack missing: %v", line)
	}
}

func TestEnrichHandler_TraceIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(t, &buf, xlog.LevelInfo)

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	logger.Info(ctx, "traced")
	logger.Info(context.Background(), "untraced")

	lines := decodeLines(t, &buf)
	sc := span.SpanContext()
	if lines[0][xlog.KeyTraceID] != sc.TraceID().String() || lines[0][xlog.KeySpanID] != sc.SpanID().String() {
		t.Errorf("trace ids not injected: %v", lines[0])
	}
	if _, ok := lines[1][xlog.KeyTraceID]; ok {
		t.Errorf("unexpected trace id: %v", lines[1])
	}
}

func TestEnrichHandler_Disabled(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup, err := xlog.New().SetOutput(&buf).SetFormat("json").SetEnrich(false).Build()
	if err != nil {
		t.Fatal(err)
	}
	testCleanup(t, cleanup)

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	logger.Info(ctx, "traced")
	if strings.Contains(buf.String(), xlog.KeyTraceID) {
		t.Errorf("trace id injected with enrich disabled: %s", buf.String())
	}
}

func TestNewEnrichHandler_Nil(t *testing.T) {
	if _, err := xlog.NewEnrichHandler(nil); !errors.Is(err, xlog.ErrNilHandler) {
		t.Errorf("err = %v, want ErrNilHandler", err)
	}
}

func TestBuilder_Errors(t *testing.T) {
	tests := []struct {
		name string
		b    *xlog.Builder
	}{
		{"bad level", xlog.New().SetLevelString("loud")},
		{"bad format", xlog.New().SetFormat("xml")},
		{"empty rotation file", xlog.New().SetRotation(" ", xlog.Rotation{})},
		{"negative rotation", xlog.New().SetRotation("a.log", xlog.Rotation{MaxBackups: -1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := tt.b.Build(); err == nil {
				t.Error("expected error")
			}
		})
	}

	// 第一个错误胜出
	_, _, err := xlog.New().SetFormat("xml").SetLevelString("loud").Build()
	if err == nil || !strings.Contains(err.Error(), "format") {
		t.Errorf("err = %v, want format error", err)
	}
}

func TestBuilder_AttrsAndReplace(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup, err := xlog.New().
		SetOutput(&buf).
		SetFormat("json").
		SetAttrs(slog.String("service", "xguard")).
		SetReplaceAttr(func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == "secret" {
				return slog.String("secret", "***")
			}
			return a
		}).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	testCleanup(t, cleanup)

	logger.Info(context.Background(), "m", slog.String("secret", "hunter2"))
	line := decodeLines(t, &buf)[0]
	if line["service"] != "xguard" || line["secret"] != "***" {
		t.Errorf("unexpected line: %v", line)
	}
}

func TestBuilder_Rotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xguard.log")
	logger, cleanup, err := xlog.New().SetRotation(path, xlog.Rotation{MaxSizeMB: 1}).Build()
	if err != nil {
		t.Fatal(err)
	}

	logger.Info(context.Background(), "to file", xlog.Key("k"))
	if err := cleanup(); err != nil {
		t.Fatal(err)
	}
	if err := cleanup(); err != nil {
		t.Errorf("second cleanup: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("file content = %q", data)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestLogger_OnError(t *testing.T) {
	var calls int
	logger, cleanup, err := xlog.New().
		SetOutput(failingWriter{}).
		SetOnError(func(error) { calls++ }).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	testCleanup(t, cleanup)

	logger.Info(context.Background(), "a")
	logger.With(xlog.Key("k")).Info(context.Background(), "b")

	if calls != 2 {
		t.Errorf("onError calls = %d, want 2", calls)
	}
	if got := xlog.ErrorCount(logger); got != 2 {
		t.Errorf("ErrorCount = %d, want 2", got)
	}

	// 回调 panic 被隔离
	panicky, cleanup2, err := xlog.New().
		SetOutput(failingWriter{}).
		SetOnError(func(error) { panic("boom") }).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	testCleanup(t, cleanup2)
	panicky.Error(context.Background(), "c")
	if got := xlog.ErrorCount(panicky); got != 2 {
		t.Errorf("ErrorCount after panic = %d, want 2", got)
	}
}

func TestGlobal(t *testing.T) {
	t.Cleanup(xlog.ResetDefault)

	var buf bytes.Buffer
	logger := newJSONLogger(t, &buf, xlog.LevelDebug)
	xlog.SetDefault(logger)
	xlog.SetDefault(nil)

	ctx := context.Background()
	xlog.Debug(ctx, "d")
	xlog.Info(ctx, "i")
	xlog.Warn(ctx, "w")
	xlog.Error(ctx, "e")
	if n := len(decodeLines(t, &buf)); n != 4 {
		t.Errorf("got %d lines, want 4", n)
	}

	xlog.ResetDefault()
	if xlog.Default() == logger {
		t.Error("ResetDefault should drop the custom logger")
	}
}

func TestDiscard(t *testing.T) {
	l := xlog.Discard()
	l.Info(context.Background(), "dropped")
	l.With(xlog.Key("k")).Error(context.Background(), "dropped")
	if l.Enabled(context.Background(), xlog.LevelError) {
		t.Error("discard logger should report disabled")
	}
}
