// Package logging builds the zap logger used by every command: JSON to
// stderr for the journal, console output with --debug, and an optional
// rotating file.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/holthome/preseed/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Debug bool
	// Stderr defaults to os.Stderr.
	Stderr io.Writer
}

// New returns a logger and a closer for its file sink. The closer is never
// nil.
func New(cfg config.LogConfig, opts Options) (*zap.Logger, io.Closer) {
	level := ParseLevel(cfg.Level)
	if opts.Debug {
		level = zapcore.DebugLevel
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	var encoder zapcore.Encoder
	if opts.Debug {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(ec)
	} else {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}
	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.AddSync(stderr), level)}

	var closer io.Closer = nopCloser{}
	if strings.TrimSpace(cfg.File) != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		fileEnc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(fileEnc, zapcore.AddSync(file), level))
		closer = file
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), closer
}

// ParseLevel maps a config level to zap, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
