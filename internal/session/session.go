// File: internal/session/session.go
// Package session
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Core session implementation: control and data channels, guarded
// protocol steps and idempotent teardown.

package session

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/momentics/hioload-ftp/api"
	"github.com/momentics/hioload-ftp/conn"
	"github.com/momentics/hioload-ftp/internal/logging"
	"github.com/momentics/hioload-ftp/reactor"
)

// Dialer opens an outbound connection. conn.Connect is the default.
type Dialer func(addr string, log logr.Logger) *conn.Connection

// Option customizes a Session.
type Option func(*Session)

// WithDialer replaces the data-channel dialer.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dial = d }
}

// WithDialFailed sets the callback run on the reactor goroutine when a
// scheduled dial fails before its socket is registered.
func WithDialFailed(fn func(*Session)) Option {
	return func(s *Session) { s.dialFailed = fn }
}

// WithID fixes the session id instead of generating one.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// Session is one client: a control connection and at most one data
// connection.
type Session struct {
	id       string
	log      logr.Logger
	reg      reactor.Registrar
	channels *ChannelMap
	dial     Dialer

	// guard serializes protocol steps.
	guard sync.Mutex

	mu   sync.Mutex
	ctrl *conn.Connection
	data *conn.Connection
	// tail holds bytes left unread on a released data channel.
	tail    []byte
	torn    bool
	dialing bool
	dataErr error

	dialFailed func(*Session)
}

var _ api.Session = (*Session)(nil)

// New creates a session around an already registered control connection.
func New(ctrl *conn.Connection, reg reactor.Registrar, channels *ChannelMap, log logr.Logger, opts ...Option) *Session {
	s := &Session{
		id:       uuid.NewString(),
		reg:      reg,
		channels: channels,
		dial:     conn.Connect,
		ctrl:     ctrl,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = log.WithValues("session", s.id, "fd", ctrl.FD())
	return s
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// FD returns the control descriptor.
func (s *Session) FD() int {
	return s.ctrl.FD()
}

// Conn returns the control connection.
func (s *Session) Conn() *conn.Connection {
	return s.ctrl
}

// DataConn returns the data connection, or nil.
func (s *Session) DataConn() *conn.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// GetMsg drains the control channel's inbound buffer.
func (s *Session) GetMsg() []byte {
	return s.ctrl.GetMsg()
}

// Send queues p on the control channel.
func (s *Session) Send(p []byte) error {
	return s.ctrl.QueueWrite(p)
}

// Close flushes pending control replies and then lets the reactor tear the
// session down.
func (s *Session) Close() {
	if err := s.ctrl.RequestClose(); err != nil {
		s.log.V(logging.VERBOSE).Info("Close request failed", "err", err.Error())
	}
}

// OpenDataChannel resolves addr and hands the dial to the reactor
// goroutine. It returns once the dial is scheduled; the session is queued
// again when the connect settles, and DataFD reports the channel only after
// that. A dial that fails later is reported by DataErr.
func (s *Session) OpenDataChannel(addr string) error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return api.NewError(api.ErrCodeConnection, "open data channel", err).WithContext("addr", addr)
	}

	s.mu.Lock()
	if err := s.dataSlotLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.dialing = true
	s.dataErr = nil
	s.mu.Unlock()

	target := tcpAddr.String()
	if err := s.reg.Post(func() { s.dialData(target) }); err != nil {
		s.mu.Lock()
		s.dialing = false
		s.mu.Unlock()
		return api.NewError(api.ErrCodeConnection, "open data channel", err).WithContext("addr", addr)
	}
	s.log.V(logging.DEBUG).Info("Data channel dial scheduled", "addr", target)
	return nil
}

// dialData runs on the reactor goroutine.
func (s *Session) dialData(addr string) {
	s.mu.Lock()
	s.dialing = false
	if s.torn {
		s.mu.Unlock()
		return
	}
	c := s.dial(addr, s.log)
	err := s.attachLocked(c)
	if err != nil {
		s.dataErr = api.NewError(api.ErrCodeConnection, "open data channel", err).WithContext("addr", addr)
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Info("Data channel dial failed", "addr", addr, "err", err.Error())
		if s.dialFailed != nil {
			s.dialFailed(s)
		}
		return
	}
	s.log.V(logging.DEBUG).Info("Data channel open", "dataFD", c.FD(), "addr", addr, "connecting", c.Connecting())
}

// attachLocked links and registers a freshly dialed connection; caller
// holds s.mu. On failure c is closed.
func (s *Session) attachLocked(c *conn.Connection) error {
	if !c.Connected() {
		return multierr.Append(api.ErrNotConnected, c.Close())
	}
	// link first so the first readiness event already resolves to us
	s.channels.Link(s.ctrl.FD(), c.FD())
	if err := c.RegisterRead(s.reg); err != nil {
		s.channels.Unlink(s.ctrl.FD())
		return multierr.Append(fmt.Errorf("register data fd %d: %w", c.FD(), err), c.Close())
	}
	s.data = c
	return nil
}

func (s *Session) dataSlotLocked() error {
	if s.torn {
		return api.ErrConnClosed
	}
	if s.data != nil {
		return fmt.Errorf("data channel already open on fd %d: %w", s.data.FD(), api.ErrAlreadyExists)
	}
	if s.dialing {
		return fmt.Errorf("data channel dial in progress: %w", api.ErrAlreadyExists)
	}
	return nil
}

// DataErr returns and clears the failure of the last data-channel dial.
func (s *Session) DataErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.dataErr
	s.dataErr = nil
	return err
}

// DataFD returns the data descriptor once a data channel is connected.
func (s *Session) DataFD() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil || s.data.Connecting() {
		return -1, false
	}
	return s.data.FD(), true
}

// GetDataMsg drains the data channel's inbound buffer, including bytes
// that arrived before the channel was released.
func (s *Session) GetDataMsg() []byte {
	s.mu.Lock()
	msg := s.tail
	s.tail = nil
	d := s.data
	s.mu.Unlock()
	if d != nil {
		msg = append(msg, d.GetMsg()...)
	}
	return msg
}

// SendData queues p on the data channel.
func (s *Session) SendData(p []byte) error {
	d := s.DataConn()
	if d == nil {
		return api.ErrNotConnected
	}
	return d.QueueWrite(p)
}

// CloseDataChannel flushes the data channel and closes it.
func (s *Session) CloseDataChannel() error {
	d := s.DataConn()
	if d == nil {
		return api.ErrNotConnected
	}
	return d.RequestClose()
}

// ReleaseDataChannel closes the data connection and forgets it. Only the
// reactor goroutine calls it.
func (s *Session) ReleaseDataChannel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseDataChannel()
}

func (s *Session) releaseDataChannel() error {
	if s.data == nil {
		return nil
	}
	d := s.data
	s.data = nil
	s.channels.Unlink(s.ctrl.FD())
	if err := d.ConnectErr(); err != nil {
		s.dataErr = api.NewError(api.ErrCodeConnection, "open data channel", err)
	}
	s.tail = append(s.tail, d.GetMsg()...)
	s.log.V(logging.DEBUG).Info("Data channel closed", "dataFD", d.FD())
	return d.Close()
}

// Process runs one protocol step while holding the session guard. A torn
// down session is still processed while it has unread bytes.
func (s *Session) Process(ctx context.Context, proto api.Protocol) error {
	s.guard.Lock()
	defer s.guard.Unlock()
	if s.TornDown() && !s.hasInbound() {
		return api.ErrConnClosed
	}
	return proto.Handle(ctx, s)
}

func (s *Session) hasInbound() bool {
	if s.ctrl.Pending() > 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tail) > 0
}

// TornDown reports whether Teardown ran.
func (s *Session) TornDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.torn
}

// Teardown closes the data and control connections. Only the first call
// does anything.
func (s *Session) Teardown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torn {
		return nil
	}
	s.torn = true
	err := s.releaseDataChannel()
	return multierr.Append(err, s.ctrl.Close())
}
