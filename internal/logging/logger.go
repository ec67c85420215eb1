// File: internal/logging/logger.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// logr construction on top of zap, plus the verbosity levels used across
// the engine.

package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels for logger.V(...).
const (
	DEFAULT = 2
	VERBOSE = 3
	DEBUG   = 4
	TRACE   = 5
)

// Options selects the encoder and verbosity.
type Options struct {
	Verbosity   int
	Development bool
}

// NewLogger builds a logr.Logger backed by zap. Verbosity n enables
// logger.V(n) and below.
func NewLogger(opts Options) (logr.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.Level(-opts.Verbosity))
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Sampling = nil
	}
	cfg.Level = level
	zl, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(zl), nil
}

// NewTestLogger creates a development logger that prints everything.
func NewTestLogger() logr.Logger {
	logger, err := NewLogger(Options{Verbosity: TRACE, Development: true})
	if err != nil {
		return logr.Discard()
	}
	return logger
}
