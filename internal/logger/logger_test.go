package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "trace", want: LevelTrace},
		{in: "DEBUG", want: LevelDebug},
		{in: "warning", want: LevelWarning},
		{in: "Error", want: LevelError},
		{in: "fatal", want: LevelFatal},
		{in: "", want: LevelInfo},
		{in: "verbose", want: LevelInfo, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSettingsFrom(t *testing.T) {
	env := func(vars map[string]string) func(string) string {
		return func(key string) string { return vars[key] }
	}

	def := settingsFrom(env(nil))
	if def.level != LevelInfo || def.sampleRate != 100 || def.otel || def.service != "rulestage" {
		t.Errorf("defaults = %+v", def)
	}

	got := settingsFrom(env(map[string]string{
		"LOG_LEVEL":         "debug",
		"ERROR_SAMPLE_RATE": "1",
		"OTEL_ENABLED":      "TRUE",
		"OTEL_SERVICE_NAME": "orders-etl",
	}))
	if got.level != LevelDebug || got.sampleRate != 1 || !got.otel || got.service != "orders-etl" {
		t.Errorf("settings = %+v", got)
	}

	bad := settingsFrom(env(map[string]string{"LOG_LEVEL": "loud", "ERROR_SAMPLE_RATE": "-3"}))
	if bad.level != LevelInfo || bad.sampleRate != 100 {
		t.Errorf("invalid values should fall back to defaults, got %+v", bad)
	}
}

func TestSetOutputAndLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	previous := programLevel.Level()
	defer SetLevel(previous)

	SetLevel(LevelInfo)
	Debug("hidden")
	Info("shown", "stage", "orders")
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, `"stage":"orders"`) {
		t.Errorf("unexpected log output: %s", out)
	}

	buf.Reset()
	SetLevel(LevelTrace)
	Trace("traced")
	if !strings.Contains(buf.String(), "traced") {
		t.Error("trace messages should be written at trace level")
	}
}

func TestStageCounters(t *testing.T) {
	processed, emitted := RowsProcessed.Load(), RowsEmitted.Load()
	skipped, coercion, action := RowsSkipped.Load(), CoercionFailures.Load(), ActionFailures.Load()
	warnings := TotalWarnings.Load()

	CountRow()
	CountRow()
	CountEmitted(3)
	CountSkipped()
	WarnCoercion()
	WarnActionFailure()

	if got := RowsProcessed.Load() - processed; got != 2 {
		t.Errorf("RowsProcessed delta = %d, want 2", got)
	}
	if got := RowsEmitted.Load() - emitted; got != 3 {
		t.Errorf("RowsEmitted delta = %d, want 3", got)
	}
	if RowsSkipped.Load()-skipped != 1 || CoercionFailures.Load()-coercion != 1 || ActionFailures.Load()-action != 1 {
		t.Error("skip and failure counters should each grow by one")
	}
	if got := TotalWarnings.Load() - warnings; got != 2 {
		t.Errorf("TotalWarnings delta = %d, want 2", got)
	}
}

func TestHTTPCounters(t *testing.T) {
	errs, warnings := TotalErrors.Load(), TotalWarnings.Load()
	s5xx, s4xx, slow := Total5xxErrors.Load(), Total4xxErrors.Load(), SlowRequests.Load()

	ErrorHttp5xx()
	WarnHttp4xx()
	WarnHttp4xx()
	WarnSlowRequest()

	if Total5xxErrors.Load()-s5xx != 1 || TotalErrors.Load()-errs != 1 {
		t.Error("ErrorHttp5xx() should count one server error")
	}
	if got := Total4xxErrors.Load() - s4xx; got != 2 {
		t.Errorf("Total4xxErrors delta = %d, want 2", got)
	}
	if SlowRequests.Load()-slow != 1 {
		t.Error("WarnSlowRequest() should count one slow request")
	}
	if got := TotalWarnings.Load() - warnings; got != 3 {
		t.Errorf("TotalWarnings delta = %d, want 3", got)
	}
}
