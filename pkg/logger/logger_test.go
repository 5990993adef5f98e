package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.LevelWarn, &buf)

	l.Info("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("expected info message to be filtered out, got: %s", buf.String())
	}

	l.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected warn message in output, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) returned error: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.LevelInfo, &buf)

	ctx := WithContext(context.Background(), l)
	got := FromContext(ctx)
	if got != l {
		t.Fatal("expected FromContext to return the attached logger")
	}

	fresh := FromContext(context.Background())
	if fresh == nil {
		t.Fatal("expected FromContext to fall back to a default logger")
	}
}

func TestTaggedLoggers(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.LevelInfo, &buf)

	l.Peer("alice#A1B2C3D4").Info("connected")
	if !strings.Contains(buf.String(), "peer=alice#A1B2C3D4") {
		t.Errorf("expected peer attribute in output, got: %s", buf.String())
	}

	buf.Reset()
	l.Session("sess-1").Info("handshake complete")
	if !strings.Contains(buf.String(), "session_id=sess-1") {
		t.Errorf("expected session_id attribute in output, got: %s", buf.String())
	}

	buf.Reset()
	l.Transfer("xfer-1").Info("chunk sent")
	if !strings.Contains(buf.String(), "transfer_id=xfer-1") {
		t.Errorf("expected transfer_id attribute in output, got: %s", buf.String())
	}
}
