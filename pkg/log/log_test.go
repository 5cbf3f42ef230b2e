package log

import "testing"

func TestZapLevelMapping(t *testing.T) {
	tests := []struct {
		name  string
		level Level
		want  string
	}{
		{name: "debug", level: LevelDebug, want: "debug"},
		{name: "info", level: LevelInfo, want: "info"},
		{name: "warn", level: LevelWarn, want: "warn"},
		{name: "error", level: LevelError, want: "error"},
		{name: "unknown falls back to info", level: Level("verbose"), want: "info"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := zapLevel(tc.level).String(); got != tc.want {
				t.Fatalf("zapLevel(%q) = %q, want %q", tc.level, got, tc.want)
			}
		})
	}
}

func TestGetInitializesDefault(t *testing.T) {
	Reset()
	defer Reset()

	if Get() == nil {
		t.Fatal("Get() returned nil logger")
	}
}

func TestInitReplacesLogger(t *testing.T) {
	Reset()
	defer Reset()

	if err := Init(Config{Level: LevelError, Format: "json"}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if Get() == nil {
		t.Fatal("Get() returned nil after Init")
	}
}
