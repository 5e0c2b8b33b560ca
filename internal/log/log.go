package log

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var (
	mu      sync.RWMutex
	logger  *zap.SugaredLogger
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	initOne sync.Once
)

// initLogger installs a console logger on stderr unless Init or SetLogger
// already replaced it.
func initLogger() {
	initOne.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		if logger != nil {
			return
		}
		l, err := build(level, "console")
		if err != nil {
			l = zap.NewNop()
		}
		logger = l.Sugar()
	})
}

// Init configures the global logger. format is "console" or "json";
// level is one of debug, info, warn, error (case-insensitive).
func Init(lvl string, format string) error {
	level.SetLevel(parseLevel(lvl))
	l, err := build(level, format)
	if err != nil {
		return err
	}
	SetLogger(l)
	return nil
}

// SetLogger replaces the underlying zap logger. Tests use it with
// zaptest/observer to assert on emitted entries.
func SetLogger(l *zap.Logger) {
	initOne.Do(func() {})
	mu.Lock()
	logger = l.Sugar()
	mu.Unlock()
}

// Sync flushes buffered entries.
func Sync() {
	_ = current().Sync()
}

// SetLevel changes the level of the installed logger in place.
func SetLevel(l Level) {
	initLogger()
	level.SetLevel(parseLevel(string(l)))
}

func Debug(msg string, kv ...any) {
	current().Debugw(msg, kv...)
}

func Info(msg string, kv ...any) {
	current().Infow(msg, kv...)
}

func Warn(msg string, kv ...any) {
	current().Warnw(msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	current().Errorw(msg, extended...)
}

func current() *zap.SugaredLogger {
	initLogger()
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func build(lvl zap.AtomicLevel, format string) (*zap.Logger, error) {
	var cfg zap.Config
	if lvl.Level() == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = lvl

	if format == "json" {
		cfg.Encoding = "json"
	} else {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		cfg.DisableStacktrace = true
	}

	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build()
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
