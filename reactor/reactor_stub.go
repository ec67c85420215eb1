//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/momentics/hioload-ftp/api"
)

// Reactor is unavailable on this platform.
type Reactor struct{}

// WithCPU has no effect on this platform.
func WithCPU(int) Option { return func(*Reactor) {} }

// New returns api.ErrNotSupported.
func New(logr.Logger, ...Option) (*Reactor, error) {
	return nil, api.ErrNotSupported
}

func (r *Reactor) Register(Token, Events) error          { return api.ErrNotSupported }
func (r *Reactor) Reregister(int, Events) error          { return api.ErrNotSupported }
func (r *Reactor) Deregister(int) error                  { return api.ErrNotSupported }
func (r *Reactor) Post(func()) error                     { return api.ErrNotSupported }
func (r *Reactor) AddTimer(time.Duration) (Token, error) { return Token{}, api.ErrNotSupported }
func (r *Reactor) Run(context.Context, Handler) error    { return api.ErrNotSupported }
func (r *Reactor) Close() error                          { return nil }
