package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(testContext *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, expected := range tests {
		if level := ParseLevel(input); level != expected {
			testContext.Fatalf("level %q: expected %s, got %s", input, expected, level)
		}
	}
}

func TestNewLoggerHonoursLevel(testContext *testing.T) {
	logger, err := NewLogger("error", "server")
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		testContext.Fatalf("expected info to be disabled at error level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		testContext.Fatalf("expected error level to be enabled")
	}
}
