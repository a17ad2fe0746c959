// Package logging wires up the zap logger used across the tracing engine
// and decoder, following the same construction as the teacher control
// plane's logging package.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Config is the logging subsystem configuration.
type Config struct {
	// Level is the minimum level that gets logged.
	Level zapcore.Level `yaml:"level"`
}

// DefaultConfig returns an info-level logging configuration.
func DefaultConfig() Config {
	return Config{Level: zapcore.InfoLevel}
}

// Init builds a SugaredLogger writing to stderr, colorized when attached to
// a terminal and plain otherwise.
func Init(cfg Config) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()

	if term.IsTerminal(int(os.Stderr.Fd())) {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(cfg.Level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger.Sugar(), zapCfg.Level, nil
}

// Nop returns a logger that discards everything, for callers that do not
// want to wire a real sink (e.g. library defaults).
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
