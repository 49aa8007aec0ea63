// Package logger wraps zap with the bridge's field conventions and an
// optional file sink: one file named after the day it was opened, plus
// age- and size-bounded cleanup of the log directory.
package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction, sourced from the [logging] TOML
// section.
type Config struct {
	Level      string
	Dir        string
	KeepDays   int
	MaxTotalMB int
}

// Logger wraps a zap.Logger with the field helpers used throughout the
// bridge.
type Logger struct {
	*zap.Logger
}

var defaultLogger *Logger

// New builds a Logger from Config. Console encoding is used when stdout is
// a terminal; JSON encoding otherwise (containers, log collectors).
func New(cfg Config) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if isTerminal(os.Stdout) {
		consoleCfg := zap.NewDevelopmentEncoderConfig()
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(consoleCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)}

	if cfg.Dir != "" {
		sink, err := newFileSink(cfg.Dir, cfg.KeepDays, cfg.MaxTotalMB)
		if err != nil {
			return nil, fmt.Errorf("open log directory: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, level))
	}

	core := zapcore.NewTee(cores...)
	zl := zap.New(core, zap.AddCaller())
	return &Logger{Logger: zl}, nil
}

// SetDefault installs l as the process-wide default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// Default returns the process-wide default logger, building a bare-bones
// one if none was installed yet.
func Default() *Logger {
	if defaultLogger != nil {
		return defaultLogger
	}
	l, _ := New(Config{Level: "info"})
	return l
}

// With returns a child logger carrying the given fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// WithError returns a child logger carrying an "error" field.
func (l *Logger) WithError(err error) *Logger {
	return l.With(zap.Error(err))
}

// WithChatID returns a child logger tagged with the chat id, the bridge's
// primary correlation key.
func (l *Logger) WithChatID(chatID string) *Logger {
	return l.With(zap.String("chat_id", chatID))
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
