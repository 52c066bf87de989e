package logger

import (
	"sync"
	"testing"

	"go.uber.org/zap/zapcore"
)

func resetLogger() {
	global = nil
	once = sync.Once{}
}

func TestInit(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		format    string
		wantLevel zapcore.Level
		wantErr   bool
	}{
		{"json info", "info", "json", zapcore.InfoLevel, false},
		{"console debug", "debug", "console", zapcore.DebugLevel, false},
		{"json warn", "warn", "json", zapcore.WarnLevel, false},
		{"json error", "error", "json", zapcore.ErrorLevel, false},
		{"invalid level", "invalid", "json", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetLogger()
			err := Init(tt.level, tt.format)
			if (err != nil) != tt.wantErr {
				t.Errorf("Init(%q, %q) error = %v, wantErr %v", tt.level, tt.format, err, tt.wantErr)
				return
			}
			if !tt.wantErr && GetLevel() != tt.wantLevel {
				t.Errorf("GetLevel() = %v, want %v", GetLevel(), tt.wantLevel)
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	resetLogger()

	if err := Init("info", "json"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	tests := []struct {
		name      string
		level     string
		wantLevel zapcore.Level
		wantErr   bool
	}{
		{"to debug", "debug", zapcore.DebugLevel, false},
		{"to error", "error", zapcore.ErrorLevel, false},
		{"back to info", "info", zapcore.InfoLevel, false},
		{"invalid", "bogus", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := SetLevel(tt.level)
			if (err != nil) != tt.wantErr {
				t.Errorf("SetLevel(%q) error = %v, wantErr %v", tt.level, err, tt.wantErr)
				return
			}
			if !tt.wantErr && GetLevel() != tt.wantLevel {
				t.Errorf("GetLevel() = %v, want %v", GetLevel(), tt.wantLevel)
			}
		})
	}
}

func TestL_PanicsWithoutInit(t *testing.T) {
	resetLogger()

	defer func() {
		if r := recover(); r == nil {
			t.Error("L() should panic without Init()")
		}
	}()

	L()
}

func TestNamedAndWith(t *testing.T) {
	resetLogger()

	if err := Init("info", "json"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	if With() == nil {
		t.Error("With() returned nil")
	}
	if Named("handoff") == nil {
		t.Error("Named() returned nil")
	}

	Debug("test debug")
	Info("test info")
	Warn("test warn")
	Error("test error")
}

func TestNewConfig_NoSampling(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		cfg := newConfig(format)
		if cfg.Sampling != nil {
			t.Errorf("newConfig(%q).Sampling = %+v, want nil", format, cfg.Sampling)
		}
		if cfg.Level != atomicLevel {
			t.Errorf("newConfig(%q) does not use the shared atomic level", format)
		}
	}
	if got := newConfig("json").Encoding; got != "json" {
		t.Errorf("json encoding = %q", got)
	}
	if got := newConfig("console").Encoding; got != "console" {
		t.Errorf("console encoding = %q", got)
	}
}

func TestHTTPHandler(t *testing.T) {
	resetLogger()

	if err := Init("warn", "json"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	handler := HTTPHandler()
	if handler.Level() != zapcore.WarnLevel {
		t.Errorf("HTTPHandler().Level() = %v, want WarnLevel", handler.Level())
	}
}

func TestSync(t *testing.T) {
	resetLogger()

	if err := Sync(); err != nil {
		t.Errorf("Sync() on nil logger error = %v", err)
	}

	if err := Init("info", "json"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	_ = Sync()
}
