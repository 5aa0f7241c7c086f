package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("dropped")
	if buf.Len() > 0 {
		t.Fatalf("expected no output below warn, got: %s", buf.String())
	}
	log.Warn("kept", "epoch", 3)
	out := buf.String()
	if !strings.Contains(out, `"msg":"kept"`) || !strings.Contains(out, `"epoch":3`) {
		t.Fatalf("unexpected JSON output: %s", out)
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard()
	log.Error("nothing to see")
	log.With("k", "v").Info("still nothing")
}

func TestSetup(t *testing.T) {
	t.Parallel()
	tests := []struct {
		format string
		want   string
		err    bool
	}{
		{format: "json", want: `"msg":"hello"`},
		{format: "text", want: "msg=hello"},
		{format: "pretty", want: "hello"},
		{format: "", want: "hello"},
		{format: "xml", err: true},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		log, err := Setup(&buf, tc.format, "info")
		if tc.err {
			if err == nil {
				t.Errorf("Setup(%q): expected error", tc.format)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Setup(%q): %v", tc.format, err)
		}
		log.Info("hello")
		if !strings.Contains(buf.String(), tc.want) {
			t.Errorf("Setup(%q): output %q missing %q", tc.format, buf.String(), tc.want)
		}
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).Info("roundtrip")
	if !strings.Contains(buf.String(), "roundtrip") {
		t.Fatalf("logger not carried by context: %s", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without a logger returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"Error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.input); got != tc.expected {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.expected)
		}
	}
}

func TestPrettyFormatsValues(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := slog.New(NewPrettyHandler(&buf, nil))
	log.Info("epoch done",
		"loss", 0.123456789,
		"took", 1500*time.Microsecond,
		"tag", "noise 0.10",
	)
	out := buf.String()
	for _, want := range []string{"loss=0.123457", "took=2ms", `tag="noise 0.10"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestPrettyGroupsAndAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)
	log := slog.New(h.WithAttrs([]slog.Attr{slog.String("run", "r1")}).WithGroup("a").WithGroup("b"))
	log.Info("nested", "key", "val")
	out := buf.String()
	if !strings.Contains(out, "run=r1") || !strings.Contains(out, "a.b.key=val") {
		t.Fatalf("unexpected output: %s", out)
	}
	if h.WithGroup("") != h {
		t.Fatal("WithGroup(\"\") should return the same handler")
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info enabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error disabled at warn level")
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected bool
	}{
		{"simple", false},
		{"has space", true},
		{"has\ttab", true},
		{`has"quote`, true},
		{"", false},
	}
	for _, tc := range tests {
		if got := needsQuoting(tc.input); got != tc.expected {
			t.Errorf("needsQuoting(%q) = %v, want %v", tc.input, got, tc.expected)
		}
	}
}
