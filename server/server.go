// File: server/server.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server is the reactor Handler: it admits connections, routes readiness to
// sessions, hands ready sessions to the workers and evicts idle ones.

package server

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"

	"github.com/momentics/hioload-ftp/api"
	"github.com/momentics/hioload-ftp/conn"
	"github.com/momentics/hioload-ftp/control"
	"github.com/momentics/hioload-ftp/internal/concurrency"
	"github.com/momentics/hioload-ftp/internal/idle"
	"github.com/momentics/hioload-ftp/internal/logging"
	"github.com/momentics/hioload-ftp/internal/session"
	"github.com/momentics/hioload-ftp/reactor"
)

// AcceptFunc accepts one pending connection on a listening descriptor.
type AcceptFunc func(listenFD int, log logr.Logger) (*conn.Connection, error)

// Server owns every live session. Its maps are touched only from the
// reactor goroutine; the channel map and the counters are safe anywhere.
type Server struct {
	cfg      control.Config
	log      logr.Logger
	reg      reactor.Registrar
	queue    *concurrency.BlockingQueue[*session.Session]
	metrics  *control.Metrics
	accept   AcceptFunc
	clock    clock.PassiveClock
	sessOpts []session.Option

	sessions map[int]*session.Session
	channels *session.ChannelMap
	idle     *idle.Tracker
	paused   map[int]struct{}

	acceptLogged time.Time

	live atomic.Int64
}

var _ reactor.Handler = (*Server)(nil)

// New builds a server that registers descriptors with reg and pushes ready
// sessions onto queue.
func New(cfg control.Config, reg reactor.Registrar, queue *concurrency.BlockingQueue[*session.Session], log logr.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log.WithName("server"),
		reg:      reg,
		queue:    queue,
		accept:   conn.Accept,
		clock:    clock.RealClock{},
		sessions: make(map[int]*session.Session),
		channels: session.NewChannelMap(0),
		paused:   make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	// a dial that fails before registration has no readiness event to
	// report it, so the session is queued directly
	s.sessOpts = append([]session.Option{session.WithDialFailed(s.push)}, s.sessOpts...)
	if s.metrics == nil {
		s.metrics = control.NewMetrics(nil)
	}
	s.idle = idle.New(cfg.IdleTimeout, s.clock)
	return s
}

// Ready accepts one connection per wake. The listener is level-triggered,
// so anything still pending wakes the reactor again.
func (s *Server) Ready(tok reactor.Token, _ reactor.Events) {
	if tok.Kind != reactor.KindListen {
		return
	}
	if _, ok := s.paused[tok.FD]; ok {
		return
	}
	c, err := s.accept(tok.FD, s.log)
	if err != nil {
		s.acceptFailed(tok.FD, err)
		return
	}

	fd := c.FD()
	if len(s.sessions) >= s.cfg.MaxClients {
		s.metrics.RecordRejected()
		rerr := api.NewError(api.ErrCodeRejected, "admit connection", api.ErrAdmissionRejected).
			WithContext("maxClients", s.cfg.MaxClients)
		s.log.Info("Too many clients, connection refused", "fd", fd, "peer", peerOf(c), "err", rerr.Error())
		if err := c.Close(); err != nil {
			s.log.V(logging.VERBOSE).Info("Close of refused connection failed", "fd", fd, "err", err.Error())
		}
		return
	}

	if err := c.RegisterRead(s.reg); err != nil {
		s.log.Error(err, "Register connection failed", "fd", fd)
		_ = c.Close()
		return
	}
	sess := session.New(c, s.reg, s.channels, s.log, s.sessOpts...)
	s.sessions[fd] = sess
	s.idle.Touch(fd)
	s.live.Add(1)
	s.metrics.RecordAccepted()
	s.log.V(logging.DEBUG).Info("Session admitted", "fd", fd, "peer", peerOf(c), "session", sess.ID(), "sessions", len(s.sessions))
}

// acceptFailed handles an accept error. A failure tied to one aborted
// connection is skipped. Anything else, descriptor or buffer exhaustion in
// practice, takes the listener out of the interest set until the next sweep
// tick, since a level-triggered listener would otherwise wake at once.
func (s *Server) acceptFailed(listenFD int, err error) {
	switch {
	case errors.Is(err, unix.EAGAIN):
		s.log.V(logging.TRACE).Info("Nothing to accept", "listenFD", listenFD)
		return
	case errors.Is(err, unix.ECONNABORTED), errors.Is(err, unix.EPROTO),
		errors.Is(err, unix.EPERM), errors.Is(err, unix.EINTR):
		s.metrics.RecordAcceptError()
		s.log.V(logging.VERBOSE).Info("Accept dropped a connection", "listenFD", listenFD, "err", err.Error())
		return
	}

	s.metrics.RecordAcceptError()
	aerr := api.NewError(api.ErrCodeTransient, "accept", err).WithContext("listenFD", listenFD)
	if perr := s.reg.Reregister(listenFD, 0); perr != nil {
		// still level-triggered: keep the log down to one line per interval
		if now := s.clock.Now(); now.Sub(s.acceptLogged) >= s.cfg.SweepInterval {
			s.acceptLogged = now
			s.log.Error(multierr.Append(aerr, perr), "Accept failed, listener could not be paused", "listenFD", listenFD)
		}
		return
	}
	s.paused[listenFD] = struct{}{}
	s.metrics.RecordListenerPaused()
	s.log.Error(aerr, "Accept failed, listener paused", "listenFD", listenFD, "resumeAfter", s.cfg.SweepInterval.String())
}

// resumeListeners re-arms every listener paused by acceptFailed.
func (s *Server) resumeListeners() {
	for fd := range s.paused {
		if err := s.reg.Reregister(fd, reactor.ListenInterest); err != nil {
			s.log.Error(err, "Resume listener failed", "listenFD", fd)
			continue
		}
		delete(s.paused, fd)
		s.log.Info("Listener resumed", "listenFD", fd)
	}
}

// isPaused reports whether listenFD is out of the interest set.
func (s *Server) isPaused(listenFD int) bool {
	_, ok := s.paused[listenFD]
	return ok
}

// Notify handles session readiness and sweep ticks.
func (s *Server) Notify(tok reactor.Token, ev reactor.Events) {
	switch tok.Kind {
	case reactor.KindTimer:
		s.Sweep()
	case reactor.KindNotify:
		if sess, ok := s.sessions[tok.FD]; ok {
			s.dispatchControl(sess, ev)
			return
		}
		if owner, ok := s.channels.Owner(tok.FD); ok {
			if sess, ok := s.sessions[owner]; ok {
				s.dispatchData(sess, tok.FD, ev)
				return
			}
		}
		// stale event for a descriptor torn down earlier in this batch
		s.log.V(logging.DEBUG).Info("Event for unknown descriptor", "fd", tok.FD, "events", ev.String())
	}
}

func (s *Server) dispatchControl(sess *session.Session, ev reactor.Events) {
	c := sess.Conn()
	state := c.Dispatch(ev)
	s.account(c)
	s.idle.Touch(c.FD())
	s.log.V(logging.TRACE).Info("Control dispatched", "fd", c.FD(), "events", ev.String(), "state", state.String())

	if state == api.Closed {
		reason := api.CloseReasonError
		switch {
		case c.Closing():
			reason = api.CloseReasonProtocol
		case c.EOF():
			reason = api.CloseReasonEOF
		}
		s.teardown(sess, reason)
		return
	}
	if c.Pending() > 0 {
		s.push(sess)
	}
	if c.EOF() {
		s.teardown(sess, api.CloseReasonEOF)
	}
}

func (s *Server) dispatchData(sess *session.Session, fd int, ev reactor.Events) {
	d := sess.DataConn()
	if d == nil || d.FD() != fd {
		return
	}
	dialing := d.Connecting()
	state := d.Dispatch(ev)
	s.account(d)
	s.idle.Touch(sess.FD())
	s.log.V(logging.TRACE).Info("Data dispatched", "fd", fd, "events", ev.String(), "state", state.String())

	done := state == api.Closed || d.EOF()
	if done {
		if err := sess.ReleaseDataChannel(); err != nil {
			s.log.V(logging.VERBOSE).Info("Data channel close failed", "fd", fd, "err", err.Error())
		}
		s.metrics.SetDataChannels(s.channels.Len())
	}
	connected := dialing && !d.Connecting() && state != api.Closed
	if connected {
		s.log.V(logging.DEBUG).Info("Data channel connected", "fd", fd, "session", sess.ID())
	}
	if d.Pending() > 0 || done || connected {
		// the protocol learns about the release on its next step
		s.push(sess)
	}
}

// push hands sess to the workers. A full queue blocks the reactor until a
// worker frees a slot.
func (s *Server) push(sess *session.Session) {
	if !s.queue.TryPushBack(sess) {
		s.log.V(logging.VERBOSE).Info("Task queue full, waiting for a worker", "fd", sess.FD(), "capacity", s.queue.Cap())
		if err := s.queue.PushBack(sess); err != nil {
			s.log.V(logging.DEBUG).Info("Queue closed, dropping work", "fd", sess.FD(), "err", err.Error())
			return
		}
		s.metrics.RecordQueueFull()
	}
	s.metrics.RecordEnqueued(s.queue.Len())
}

func peerOf(c *conn.Connection) string {
	addr, err := c.PeerAddr()
	if err != nil {
		return "unknown"
	}
	return addr.String()
}

func (s *Server) account(c *conn.Connection) {
	read, written := c.TakeCounters()
	s.metrics.RecordBytes(read, written)
}

// Sweep tears down every session idle for longer than the threshold and
// resumes paused listeners.
func (s *Server) Sweep() {
	s.resumeListeners()
	for _, fd := range s.idle.Expired() {
		sess, ok := s.sessions[fd]
		if !ok {
			s.idle.Remove(fd)
			continue
		}
		s.log.Info("Idle session evicted", "fd", fd, "session", sess.ID(), "timeout", s.cfg.IdleTimeout.String())
		s.teardown(sess, api.CloseReasonIdle)
	}
	s.metrics.SetDataChannels(s.channels.Len())
}

// teardown removes sess from every map and closes its descriptors. Only the
// first call per session does anything.
func (s *Server) teardown(sess *session.Session, reason api.CloseReason) {
	fd := sess.FD()
	if cur, ok := s.sessions[fd]; !ok || cur != sess {
		return
	}
	delete(s.sessions, fd)
	s.idle.Remove(fd)
	s.account(sess.Conn())
	if err := sess.Teardown(); err != nil {
		s.log.V(logging.VERBOSE).Info("Session teardown reported errors", "fd", fd, "err", err.Error())
	}
	s.live.Add(-1)
	s.metrics.RecordClosed(reason)
	s.metrics.SetDataChannels(s.channels.Len())
	s.log.V(logging.DEBUG).Info("Session closed", "fd", fd, "session", sess.ID(), "reason", string(reason))
}

// Shutdown tears down every live session. Call it from the reactor
// goroutine or after the reactor stopped.
func (s *Server) Shutdown() {
	for _, sess := range s.sessions {
		s.teardown(sess, api.CloseReasonShutdown)
	}
}

// Sessions returns the number of live sessions. Safe from any goroutine.
func (s *Server) Sessions() int {
	return int(s.live.Load())
}

// Lookup returns the session owning control descriptor fd.
func (s *Server) Lookup(fd int) (*session.Session, bool) {
	sess, ok := s.sessions[fd]
	return sess, ok
}

// Channels exposes the control/data descriptor map.
func (s *Server) Channels() *session.ChannelMap {
	return s.channels
}

// Tracked returns the number of descriptors the idle tracker follows.
func (s *Server) Tracked() int {
	return s.idle.Len()
}

// Work returns the worker task: one guarded protocol step per dequeued
// session.
func (s *Server) Work(proto api.Protocol) concurrency.TaskFunc[*session.Session] {
	return func(ctx context.Context, sess *session.Session) {
		s.metrics.SetQueueDepth(s.queue.Len())
		err := sess.Process(ctx, proto)
		switch {
		case err == nil:
		case errors.Is(err, api.ErrConnClosed):
			logr.FromContextOrDiscard(ctx).V(logging.DEBUG).Info("Session gone before processing", "session", sess.ID())
		default:
			s.metrics.RecordProtocolError()
			logr.FromContextOrDiscard(ctx).Error(err, "Protocol step failed", "session", sess.ID(), "fd", sess.FD())
		}
	}
}
