package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{" warn ", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLevel(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLevel(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFileHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewFileHandler(&buf, slog.LevelInfo))

	logger.With("container", "web-1").Warn("Hardcoded IP detected", "ip", "45.148.10.81", "note", "needs review")
	logger.Debug("dropped")

	line := strings.TrimSpace(buf.String())
	if strings.Count(buf.String(), "\n") != 1 {
		t.Fatalf("expected exactly one line, got %q", buf.String())
	}
	if !strings.Contains(line, "] WARN Hardcoded IP detected") {
		t.Errorf("unexpected line: %q", line)
	}
	if !strings.Contains(line, "container=web-1") || !strings.Contains(line, "ip=45.148.10.81") {
		t.Errorf("missing attributes: %q", line)
	}
	if !strings.Contains(line, `note="needs review"`) {
		t.Errorf("expected quoted value: %q", line)
	}

	ts, ok := ParseLineTime(line)
	if !ok {
		t.Fatalf("ParseLineTime could not parse its own output: %q", line)
	}
	if time.Since(ts) > time.Minute {
		t.Errorf("timestamp too old: %v", ts)
	}
}

func TestParseLineTime(t *testing.T) {
	ts, ok := ParseLineTime("[2025-01-02 03:04:05.123456] INFO Startup complete")
	if !ok {
		t.Fatal("expected timestamp to parse")
	}
	want := time.Date(2025, 1, 2, 3, 4, 5, 123456000, time.Local)
	if !ts.Equal(want) {
		t.Errorf("got %v, want %v", ts, want)
	}

	for _, line := range []string{
		"",
		"no timestamp here",
		"[2025-01-02 03:04:05] short",
		"[not-a-timestamp-at-all-xxxx] x",
	} {
		if _, ok := ParseLineTime(line); ok {
			t.Errorf("ParseLineTime(%q) should not match", line)
		}
	}
}

func TestFanoutRespectsLevels(t *testing.T) {
	var infoBuf, debugBuf bytes.Buffer
	logger := slog.New(fanout{
		NewFileHandler(&infoBuf, slog.LevelInfo),
		NewFileHandler(&debugBuf, slog.LevelDebug),
	})

	logger.Debug("only debug")
	logger.Info("both")

	if strings.Contains(infoBuf.String(), "only debug") {
		t.Error("info handler should not receive debug records")
	}
	if !strings.Contains(debugBuf.String(), "only debug") || !strings.Contains(debugBuf.String(), "both") {
		t.Errorf("debug handler missing records: %q", debugBuf.String())
	}
}
