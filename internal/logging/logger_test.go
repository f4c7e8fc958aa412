package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Format: "json", Output: &buf})

	logger.Debugf("debug message")
	logger.Infof("info message")
	logger.Warnf("warn message")
	logger.Errorf("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("messages below the level leaked through: %q", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("expected warn and error output, got %q", out)
	}
}

func TestKeyValueArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Format: "json", Output: &buf})

	logger.Info("token stored", "token", 42)

	out := buf.String()
	if !strings.Contains(out, `"token":42`) {
		t.Errorf("structured field missing from output: %q", out)
	}
	if !strings.Contains(out, "token stored") {
		t.Errorf("message missing from output: %q", out)
	}
}

func TestDefaultLogger(t *testing.T) {
	first := Default()
	if first == nil {
		t.Fatal("Default returned nil")
	}
	if Default() != first {
		t.Error("Default is not stable")
	}

	var buf bytes.Buffer
	replacement := NewLogger(&Config{Level: LevelDebug, Format: "json", Output: &buf})
	SetDefault(replacement)
	defer SetDefault(first)

	if Default() != replacement {
		t.Error("SetDefault did not take effect")
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelInfo, Format: "text", Output: &buf})
	logger.Infof("plain text line")
	if !strings.Contains(buf.String(), "plain text line") {
		t.Errorf("console output missing message: %q", buf.String())
	}
}
