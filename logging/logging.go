// logging/logging.go
package logging

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Sink names one of the two log streams: the manager's general log and the
// ACME auth hook's log. Each has its own file and logger name.
type Sink struct {
	Name string
	File string
}

var (
	SinkGeneral = Sink{Name: "sslm", File: "sslm-mgr.log"}
	SinkHook    = Sink{Name: "acme-hook", File: "sslm-auth-hook.log"}
)

// BootstrapLogger returns a development-friendly logger for early startup.
// It's safe to use before config is loaded and should log to stderr.
func BootstrapLogger() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// ValidLogLevels lists all valid zap log levels for validation.
var ValidLogLevels = []string{"debug", "info", "warn", "error", "dpanic", "panic", "fatal"}

// IsValidLogLevel checks if the given level string is a valid zap log level.
// Comparison is case-insensitive.
func IsValidLogLevel(level string) bool {
	level = strings.ToLower(level)
	for _, valid := range ValidLogLevels {
		if level == valid {
			return true
		}
	}
	return false
}

// BuildLogger constructs the logger for a sink. If env is "prod" it uses a
// JSON encoder, otherwise the development console encoder. Output goes to
// stderr and, when logDir is set, to logDir/<sink file> as well.
//
// An invalid level defaults to "info" with a warning on stderr.
func BuildLogger(level, env, logDir string, sink Sink) (*zap.Logger, error) {
	var cfg zap.Config
	if env == "prod" {
		cfg = zap.NewProductionConfig()
		cfg.Encoding = "json"
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if err := cfg.Level.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		_, _ = os.Stderr.WriteString("WARNING: invalid log level \"" + level +
			"\"; valid levels are: debug, info, warn, error, dpanic, panic, fatal. Defaulting to \"info\".\n")
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if path := LogFile(logDir, sink); path != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, path)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named(sink.Name), nil
}

// LogFile returns the sink's file under logDir, or "" when logDir is unset
// or cannot be created.
func LogFile(logDir string, sink Sink) string {
	if logDir == "" {
		return ""
	}
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		_, _ = os.Stderr.WriteString("WARNING: log dir " + logDir + " unavailable: " + err.Error() + "\n")
		return ""
	}
	return filepath.Join(logDir, sink.File)
}

// MustBuildLogger is a convenience for main() that wants to exit on logger build failure.
func MustBuildLogger(level, env, logDir string, sink Sink) *zap.Logger {
	logger, err := BuildLogger(level, env, logDir, sink)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	return logger
}
