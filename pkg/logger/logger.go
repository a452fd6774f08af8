// Package logger wires up the process-wide structured logger used across
// the mirror registry, proxy engine, and admin API.
package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	instance *zap.Logger
	initOnce sync.Once
)

// Config controls how the global logger is built.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // "json" or "console"
	OutputPath string // extra file to duplicate output into, beyond stdout
	ErrorPath  string // reserved for a future dedicated error sink
}

var levelsByName = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
}

// Init builds the global logger from cfg. Only the first call takes effect;
// later calls are no-ops, matching the once-per-process startup sequence in
// cmd/server/main.go.
func Init(cfg *Config) error {
	var err error
	initOnce.Do(func() {
		instance, err = build(cfg)
	})
	return err
}

// Get returns the global logger, falling back to a production-default
// logger if Init was never called (e.g. in a test that skips startup).
func Get() *zap.Logger {
	if instance == nil {
		instance, _ = zap.NewProduction()
	}
	return instance
}

func build(cfg *Config) (*zap.Logger, error) {
	if cfg == nil {
		cfg = &Config{Level: "info", Format: "json"}
	}

	level, ok := levelsByName[cfg.Level]
	if !ok {
		level = zapcore.InfoLevel
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	sinks := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if cfg.OutputPath != "" {
		if f, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
			sinks = append(sinks, zapcore.AddSync(f))
		}
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// Debug logs at debug level on the global logger.
func Debug(msg string, fields ...zap.Field) { Get().Debug(msg, fields...) }

// Info logs at info level on the global logger.
func Info(msg string, fields ...zap.Field) { Get().Info(msg, fields...) }

// Warn logs at warn level on the global logger.
func Warn(msg string, fields ...zap.Field) { Get().Warn(msg, fields...) }

// Error logs at error level on the global logger.
func Error(msg string, fields ...zap.Field) { Get().Error(msg, fields...) }

// Fatal logs at fatal level on the global logger and terminates the process.
func Fatal(msg string, fields ...zap.Field) { Get().Fatal(msg, fields...) }

// With returns a child logger carrying the given fields on every entry.
func With(fields ...zap.Field) *zap.Logger { return Get().With(fields...) }

// Sync flushes any buffered log entries; call before process exit.
func Sync() error { return Get().Sync() }
