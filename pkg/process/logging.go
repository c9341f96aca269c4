// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package process

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds the logging knobs shared by the binaries.
type LogConfig struct {
	Level    string `help:"minimum level to log: debug, info, warn, error" default:"info"`
	Encoding string `help:"log encoding: console or json" default:"console"`
	Output   string `help:"log output: stderr, stdout, or a file path (rotated)" default:"stderr"`
}

// NewLogger builds the process logger. A file path output rotates through
// lumberjack; stderr and stdout write directly.
func NewLogger(config LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, Error.New("bad log level %q: %v", config.Level, err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	var encoder zapcore.Encoder
	switch config.Encoding {
	case "", "console":
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		return nil, Error.New("bad log encoding %q", config.Encoding)
	}

	var sink zapcore.WriteSyncer
	switch config.Output {
	case "", "stderr":
		sink = zapcore.Lock(zapcore.AddSync(os.Stderr))
	case "stdout":
		sink = zapcore.Lock(zapcore.AddSync(os.Stdout))
	default:
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.Output,
			MaxSize:    100, // megabytes
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		})
	}

	return zap.New(zapcore.NewCore(encoder, sink, level)), nil
}
