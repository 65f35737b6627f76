package envconfig

import (
	"log/slog"
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestVar verifies surrounding spaces and quotes are stripped.
func TestVar(t *testing.T) {
	t.Setenv("GRAPHSTAGE_STORE", `  "s3://bucket/models"  `)
	assert.Equal(t, "s3://bucket/models", Var("GRAPHSTAGE_STORE"))
	assert.Equal(t, "s3://bucket/models", Store())
}

// TestLogLevel tests GRAPHSTAGE_DEBUG parsing.
func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"0":     slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     slog.Level(-8),
	}
	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("GRAPHSTAGE_DEBUG", value)
			assert.Equal(t, want, LogLevel())
		})
	}
}

// TestRunners tests the runner pool size default and invalid values.
func TestRunners(t *testing.T) {
	t.Setenv("GRAPHSTAGE_RUNNERS", "")
	assert.Equal(t, uint(runtime.NumCPU()), Runners())

	t.Setenv("GRAPHSTAGE_RUNNERS", "3")
	assert.Equal(t, uint(3), Runners())

	t.Setenv("GRAPHSTAGE_RUNNERS", "many")
	assert.Equal(t, uint(runtime.NumCPU()), Runners())
}

// TestBool tests bool parsing with garbage counting as set.
func TestBool(t *testing.T) {
	t.Setenv("GRAPHSTAGE_STORE_INSECURE", "")
	assert.False(t, StoreInsecure())
	t.Setenv("GRAPHSTAGE_STORE_INSECURE", "0")
	assert.False(t, StoreInsecure())
	t.Setenv("GRAPHSTAGE_STORE_INSECURE", "yes")
	assert.True(t, StoreInsecure())
}

// TestDefaults tests directory, device and format defaults.
func TestDefaults(t *testing.T) {
	t.Setenv("GRAPHSTAGE_TMPDIR", "")
	assert.Equal(t, os.TempDir(), TempDir())
	t.Setenv("GRAPHSTAGE_TMPDIR", "/scratch")
	assert.Equal(t, "/scratch", TempDir())

	t.Setenv("GRAPHSTAGE_DEVICE", "WebGPU")
	assert.Equal(t, "webgpu", Device())

	t.Setenv("GRAPHSTAGE_LOG_FORMAT", "JSON")
	assert.Equal(t, LogFormatJSON, LogFormat())
	t.Setenv("GRAPHSTAGE_LOG_FORMAT", "xml")
	assert.Equal(t, LogFormatText, LogFormat())
	assert.NotNil(t, Logger())
}

// TestValues verifies secrets are never reported in clear text.
func TestValues(t *testing.T) {
	t.Setenv("GRAPHSTAGE_STORE_SECRET_KEY", "hunter2")
	t.Setenv("GRAPHSTAGE_STORE_ACCESS_KEY", "")
	t.Setenv("GRAPHSTAGE_RUNNERS", "4")
	t.Setenv("GRAPHSTAGE_DEBUG", "1")

	vals := Values()
	assert.Equal(t, "***", vals["GRAPHSTAGE_STORE_SECRET_KEY"])
	assert.Equal(t, "", vals["GRAPHSTAGE_STORE_ACCESS_KEY"])
	assert.Equal(t, "4", vals["GRAPHSTAGE_RUNNERS"])
	assert.Equal(t, "DEBUG", vals["GRAPHSTAGE_DEBUG"])

	for k, v := range AsMap() {
		assert.Equal(t, k, v.Name)
		assert.NotEmpty(t, v.Description)
	}
}
