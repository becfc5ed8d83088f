package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level      string
	JSON       bool
	FilePath   string
	MaxBytes   int64
	MaxBackups int
}

// New builds the process logger. Console output goes to stderr; when a
// file path is configured, a JSON core writes the same entries to a
// rotating log file capped at MaxBytes, keeping MaxBackups old files.
func New(opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	consoleEncoder := consoleEncoderFor(opts.JSON)
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), level),
	}

	if opts.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}

		maxMB := int(opts.MaxBytes / (1024 * 1024))
		if maxMB < 1 {
			maxMB = 1
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    maxMB,
			MaxBackups: opts.MaxBackups,
		}

		fileEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(rotator), level))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}

func consoleEncoderFor(jsonLogs bool) zapcore.Encoder {
	if jsonLogs {
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.TimeKey = ""
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeCaller = nil
	return zapcore.NewConsoleEncoder(cfg)
}
