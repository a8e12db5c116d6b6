// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package process

import (
	"flag"
	"os"
	"runtime"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"storj.io/genrelay/private/cfgstruct"
)

var (
	logLevel    = zap.LevelFlag("log.level", defaultLogLevel(), "the minimum log level to log")
	logDev      = flag.Bool("log.development", isDev(), "if true, set logging to development mode")
	logCaller   = flag.Bool("log.caller", isDev(), "if true, log function filename and line number")
	logStack    = flag.Bool("log.stack", isDev(), "if true, log stack traces")
	logEncoding = flag.String("log.encoding", "console", "configures log encoding. can either be 'console' or 'json'")
	logOutput   = flag.String("log.output", "stderr", "can be stdout, stderr, or a filename")
)

func isDev() bool { return cfgstruct.DefaultsType() != "release" }

func defaultLogLevel() zapcore.Level {
	if isDev() {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

// NewLogger builds the process logger from the log.* flags.
func NewLogger() (*zap.Logger, error) {
	return zap.Config{
		Level:             zap.NewAtomicLevelAt(*logLevel),
		Development:       *logDev,
		DisableCaller:     !*logCaller,
		DisableStacktrace: !*logStack,
		Encoding:          *logEncoding,
		EncoderConfig:     encoderConfig(),
		OutputPaths:       []string{*logOutput},
		ErrorOutputPaths:  []string{*logOutput},
	}.Build()
}

func encoderConfig() zapcore.EncoderConfig {
	config := zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if runtime.GOOS == "windows" {
		// The default windows terminal still chokes on color escapes.
		config.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	if os.Getenv("GENRELAY_LOG_NOTIME") != "" {
		// Dropping timestamps keeps logs diffable between runs.
		config.TimeKey = ""
	}
	return config
}
