package mlog

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig is the logging section of the config file.
type LogConfig struct {
	// Level, "debug", "info", "warn" or "error". Default is "info".
	Level string `yaml:"level"`

	// File writes logs to a file instead of stderr.
	File string `yaml:"file"`

	// Production emits json instead of console output.
	Production bool `yaml:"production"`
}

// NewLogger creates a *zap.Logger from cfg.
func NewLogger(cfg *LogConfig) (*zap.Logger, error) {
	var lvl zapcore.Level
	switch cfg.Level {
	case "debug":
		lvl = zap.DebugLevel
	case "", "info":
		lvl = zap.InfoLevel
	case "warn":
		lvl = zap.WarnLevel
	case "error":
		lvl = zap.ErrorLevel
	default:
		return nil, fmt.Errorf("invalid log level %q", cfg.Level)
	}

	out := zapcore.Lock(os.Stderr)
	if len(cfg.File) > 0 {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = zapcore.Lock(f)
	}

	var encoder zapcore.Encoder
	if cfg.Production {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(ec)
	}

	core := zapcore.NewCore(encoder, out, lvl)
	return zap.New(core), nil
}

var (
	stderrLogger = mustNewStderrLogger()
	defaultL     atomic.Pointer[zap.Logger]
	defaultS     atomic.Pointer[zap.SugaredLogger]
)

func init() {
	defaultL.Store(stderrLogger)
	defaultS.Store(stderrLogger.Sugar())
}

func mustNewStderrLogger() *zap.Logger {
	l, err := NewLogger(&LogConfig{})
	if err != nil {
		panic(fmt.Sprintf("mlog: failed to init stderr logger: %v", err))
	}
	return l
}

// L returns the package default logger.
func L() *zap.Logger {
	return defaultL.Load()
}

// S returns the package default sugared logger.
func S() *zap.SugaredLogger {
	return defaultS.Load()
}

// SetDefault replaces the package default logger.
func SetDefault(l *zap.Logger) {
	defaultL.Store(l)
	defaultS.Store(l.Sugar())
}

// Nop is a logger that discards everything.
func Nop() *zap.Logger {
	return zap.NewNop()
}
