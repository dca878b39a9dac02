package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/phuslu/log"

	"threadwait/internal/config"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want log.Level
	}{
		{"trace", log.TraceLevel},
		{"debug", log.DebugLevel},
		{"warning", log.WarnLevel},
		{"error", log.ErrorLevel},
		{"bogus", log.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q): Expected %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestParseTimeLocation(t *testing.T) {
	if got := parseTimeLocation("UTC"); got != time.UTC {
		t.Errorf("Expected UTC, got %v", got)
	}
	if got := parseTimeLocation("Not/AZone"); got != time.Local {
		t.Errorf("Expected Local fallback, got %v", got)
	}
}

func TestCreateWriter(t *testing.T) {
	tests := []struct {
		name      string
		output    config.LogOutput
		expectNil bool
		expectErr bool
	}{
		{"disabled", config.LogOutput{Type: "console"}, true, false},
		{"console missing section", config.LogOutput{Type: "console", Enabled: true}, true, true},
		{"unknown type", config.LogOutput{Type: "eventlog", Enabled: true}, true, true},
		{"console", config.LogOutput{Type: "console", Enabled: true, Console: &config.ConsoleConfig{Format: "logfmt"}}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := createWriter(tt.output)
			if (err != nil) != tt.expectErr {
				t.Errorf("Expected error %v, got %v", tt.expectErr, err)
			}
			if (w == nil) != tt.expectNil {
				t.Errorf("Expected nil writer %v, got %v", tt.expectNil, w)
			}
		})
	}
}

func TestNewLoggerWithContextInheritsLevel(t *testing.T) {
	saved := log.DefaultLogger
	t.Cleanup(func() { log.DefaultLogger = saved })

	cfg := config.DefaultConfig().Logging
	cfg.Defaults.Level = "warn"
	if err := ConfigureLogging(cfg); err != nil {
		t.Fatalf("ConfigureLogging failed: %v", err)
	}
	l := NewLoggerWithContext("test")
	if l.Level != log.WarnLevel {
		t.Errorf("Expected warn level, got %v", l.Level)
	}
	if l.Writer != log.DefaultLogger.Writer {
		t.Errorf("Expected component logger to share the default writer")
	}
}

func TestGlogFormatter(t *testing.T) {
	var buf bytes.Buffer
	_, err := GlogFormatter{}.Formatter(&buf, &log.FormatterArgs{
		Level:   "warn",
		Time:    "12:00:00.000",
		Goid:    "7",
		Caller:  "ops.go:42",
		Message: "unpark failed",
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := "W12:00:00.000 7 ops.go:42] unpark failed\n"; buf.String() != want {
		t.Errorf("Expected %q, got %q", want, buf.String())
	}
}
