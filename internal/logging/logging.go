// Package logging builds the zap loggers used by every sluice binary.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level, encoding and destination.
type Config struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, console
	Output     string `yaml:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age_days"`
}

// New builds a logger from cfg. File output rotates through lumberjack.
func New(cfg Config) (*zap.Logger, error) {
	var sinks []io.Writer
	switch cfg.Output {
	case "", "stdout":
		sinks = append(sinks, os.Stdout)
	case "file", "both":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("log output %q needs a file path", cfg.Output)
		}
		if cfg.Output == "both" {
			sinks = append(sinks, os.Stdout)
		}
		sinks = append(sinks, &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
		})
	default:
		return nil, fmt.Errorf("unknown log output %q", cfg.Output)
	}
	return build(cfg, sinks...)
}

func build(cfg Config, sinks ...io.Writer) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		l, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		level = l
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	var enc zapcore.Encoder
	switch cfg.Format {
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "", "console":
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	cores := make([]zapcore.Core, 0, len(sinks))
	for _, w := range sinks {
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(w), level))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}
