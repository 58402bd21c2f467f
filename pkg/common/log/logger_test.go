package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestStandardLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(
		WithOutput(&buf),
		WithLevel(LevelDebug),
	)

	tests := []struct {
		name  string
		log   func(string, ...interface{})
		level string
	}{
		{"debug", logger.Debug, "[DEBUG]"},
		{"info", logger.Info, "[INFO]"},
		{"warn", logger.Warn, "[WARN]"},
		{"error", logger.Error, "[ERROR]"},
	}
	for _, tt := range tests {
		buf.Reset()
		tt.log("segment %d sealed", 7)
		out := buf.String()
		if !strings.Contains(out, tt.level) || !strings.Contains(out, "segment 7 sealed") {
			t.Errorf("%s logging failed, got: %s", tt.name, out)
		}
	}
}

func TestLoggerFieldsAreSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf))

	logger.WithFields(map[string]interface{}{
		"segment":   3,
		"component": "engine",
	}).Info("rolled")

	out := buf.String()
	if !strings.Contains(out, "component=engine segment=3 rolled") {
		t.Errorf("Expected sorted fields, got: %s", out)
	}
}

func TestDerivedLoggerSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf), WithLevel(LevelInfo))
	child := logger.WithField("component", "compaction")

	logger.SetLevel(LevelError)
	child.Info("should not appear")
	child.Error("should appear")

	out := buf.String()
	if strings.Contains(out, "should not appear") || !strings.Contains(out, "component=compaction should appear") {
		t.Errorf("Level filtering on derived logger failed, got: %s", out)
	}
	if child.GetLevel() != LevelError {
		t.Errorf("Expected derived level ERROR, got %v", child.GetLevel())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"":        LevelInfo,
		"warning": LevelWarn,
		"Error":   LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("Failed to parse level %q: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNop()
	logger.Error("dropped")
	if logger.GetLevel() <= LevelFatal {
		t.Errorf("Expected nop logger above fatal, got %v", logger.GetLevel())
	}
}

func TestDefaultLogger(t *testing.T) {
	original := GetDefaultLogger()
	defer SetDefaultLogger(original)

	var buf bytes.Buffer
	SetDefaultLogger(NewStandardLogger(WithOutput(&buf), WithLevel(LevelInfo)))

	Info("Global info message")
	if !strings.Contains(buf.String(), "[INFO]") || !strings.Contains(buf.String(), "Global info message") {
		t.Errorf("Global info logging failed, got: %s", buf.String())
	}
	buf.Reset()

	WithField("component", "server").Warn("listener closed")
	if !strings.Contains(buf.String(), "component=server listener closed") {
		t.Errorf("Global WithField failed, got: %s", buf.String())
	}
	buf.Reset()

	SetLevel(LevelError)
	Warn("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected no output below level, got: %s", buf.String())
	}
}
