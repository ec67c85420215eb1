// File: server/options.go
// Package server defines functional options for the Server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"k8s.io/utils/clock"

	"github.com/momentics/hioload-ftp/control"
	"github.com/momentics/hioload-ftp/internal/session"
)

// Option customizes server initialization.
type Option func(*Server)

// WithMetrics records server activity into m.
func WithMetrics(m *control.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithClock sets the idle tracker's time source.
func WithClock(c clock.PassiveClock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithAcceptor replaces conn.Accept.
func WithAcceptor(fn AcceptFunc) Option {
	return func(s *Server) {
		s.accept = fn
	}
}

// WithSessionOptions is applied to every admitted session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(s *Server) {
		s.sessOpts = append(s.sessOpts, opts...)
	}
}
