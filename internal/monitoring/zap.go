package monitoring

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the process logger.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// File, when set, receives a copy of every entry with size-based rotation.
	File string
	// MaxSizeMB is the rotation threshold for File (default 100).
	MaxSizeMB int
	// MaxBackups is how many rotated files are kept (default 3).
	MaxBackups int
	// Name is attached to every entry.
	Name string
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// ParseLevel maps a config string onto a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

// NewLogger builds a console logger on stderr, teed into a rotating file
// when opts.File is set.
func NewLogger(opts Options) (*zap.SugaredLogger, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	level := zap.NewAtomicLevelAt(lvl)

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.Lock(os.Stderr), level),
	}
	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		backups := opts.MaxBackups
		if backups <= 0 {
			backups = 3
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: backups,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(rotator), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	if opts.Name != "" {
		logger = logger.Named(opts.Name)
	}
	return logger.Sugar(), nil
}

// Install routes the package loggers through the given logger.
// Passing nil restores the stdlib defaults.
func Install(s *zap.SugaredLogger) {
	if s == nil {
		Reset()
		return
	}
	Logf = s.Infof
	Debugf = s.Debugf
	Warnf = s.Warnf
	Fatalf = s.Fatalf
}

// DebugWriter adapts s for the per-package io.Writer debug hooks. Each
// written line becomes one debug entry.
func DebugWriter(s *zap.SugaredLogger) io.Writer {
	l, err := zap.NewStdLogAt(s.Desugar(), zapcore.DebugLevel)
	if err != nil {
		return io.Discard
	}
	return l.Writer()
}
