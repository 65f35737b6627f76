// Package envconfig reads GRAPHSTAGE_* process configuration.
//
// Getters are evaluated on every call so tests and long-running hosts
// observe changes to the environment.
package envconfig

import (
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/born-ml/graphstage/internal/engine"
	"github.com/born-ml/graphstage/internal/logutil"
)

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Var returns an environment variable stripped of spaces and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// LogLevel returns the log level. GRAPHSTAGE_DEBUG=1 enables debug logs;
// negative integers go below debug in steps of four.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("GRAPHSTAGE_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

// LogFormat returns the log output format, text unless GRAPHSTAGE_LOG_FORMAT is json.
func LogFormat() string {
	if strings.EqualFold(Var("GRAPHSTAGE_LOG_FORMAT"), LogFormatJSON) {
		return LogFormatJSON
	}
	return LogFormatText
}

// Logger builds the process logger from LogLevel and LogFormat.
func Logger() *logutil.Logger {
	if LogFormat() == LogFormatJSON {
		return logutil.NewJSONLogger(LogLevel())
	}
	return logutil.NewTextLogger(LogLevel())
}

// TempDir returns the root for staging directories.
func TempDir() string {
	if s := Var("GRAPHSTAGE_TMPDIR"); s != "" {
		return s
	}
	return os.TempDir()
}

// Device returns the inference device. Windows defaults to WebGPU.
func Device() string {
	if s := Var("GRAPHSTAGE_DEVICE"); s != "" {
		return strings.ToLower(s)
	}
	if runtime.GOOS == "windows" {
		return engine.DeviceWebGPU
	}
	return engine.DeviceCPU
}

var (
	// Runners is the size of the session runner pool.
	Runners = Uint("GRAPHSTAGE_RUNNERS", uint(runtime.NumCPU()))
	// Store is the default artifact store URI.
	Store = String("GRAPHSTAGE_STORE")
	// StoreAccessKey is the MinIO access key.
	StoreAccessKey = String("GRAPHSTAGE_STORE_ACCESS_KEY")
	// StoreSecretKey is the MinIO secret key.
	StoreSecretKey = String("GRAPHSTAGE_STORE_SECRET_KEY")
	// StoreInsecure disables TLS for MinIO.
	StoreInsecure = Bool("GRAPHSTAGE_STORE_INSECURE")
	// StoreRegion overrides the AWS region for S3 stores.
	StoreRegion = String("GRAPHSTAGE_STORE_REGION")
	// CompressionLevel is the zstd level for stored artifacts; 0 is the default level.
	CompressionLevel = Uint("GRAPHSTAGE_COMPRESSION_LEVEL", 0)
)

// BoolWithDefault returns a getter that parses k as a bool. Unparseable
// non-empty values count as true.
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool returns a getter for k defaulting to false.
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// String returns a getter for k.
func String(k string) func() string {
	return func() string {
		return Var(k)
	}
}

// Uint returns a getter for k. Invalid values log a warning and yield defaultValue.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// EnvVar describes one configuration variable.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every variable with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"GRAPHSTAGE_DEBUG":             {"GRAPHSTAGE_DEBUG", LogLevel(), "Show additional debug information (e.g. GRAPHSTAGE_DEBUG=1)"},
		"GRAPHSTAGE_LOG_FORMAT":        {"GRAPHSTAGE_LOG_FORMAT", LogFormat(), "Log output format, text or json (default: text)"},
		"GRAPHSTAGE_TMPDIR":            {"GRAPHSTAGE_TMPDIR", TempDir(), "Root directory for extracted saved models"},
		"GRAPHSTAGE_RUNNERS":           {"GRAPHSTAGE_RUNNERS", Runners(), "Maximum number of concurrent graph executions"},
		"GRAPHSTAGE_DEVICE":            {"GRAPHSTAGE_DEVICE", Device(), "Inference device, cpu or webgpu"},
		"GRAPHSTAGE_STORE":             {"GRAPHSTAGE_STORE", Store(), "Default artifact store URI"},
		"GRAPHSTAGE_STORE_ACCESS_KEY":  {"GRAPHSTAGE_STORE_ACCESS_KEY", redact(StoreAccessKey()), "MinIO access key"},
		"GRAPHSTAGE_STORE_SECRET_KEY":  {"GRAPHSTAGE_STORE_SECRET_KEY", redact(StoreSecretKey()), "MinIO secret key"},
		"GRAPHSTAGE_STORE_INSECURE":    {"GRAPHSTAGE_STORE_INSECURE", StoreInsecure(), "Connect to MinIO without TLS"},
		"GRAPHSTAGE_STORE_REGION":      {"GRAPHSTAGE_STORE_REGION", StoreRegion(), "AWS region for s3:// stores"},
		"GRAPHSTAGE_COMPRESSION_LEVEL": {"GRAPHSTAGE_COMPRESSION_LEVEL", CompressionLevel(), "zstd level for stored artifacts (default: 0, the zstd default)"},
	}
}

// Values returns the current values as strings.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmtValue(v.Value)
	}
	return vals
}

func fmtValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case slog.Level:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	default:
		return ""
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
