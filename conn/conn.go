// File: conn/conn.go
// Package conn implements the per-socket state machine driven by the reactor.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Connection owns one descriptor. The reactor goroutine calls Dispatch on
// every wake; worker goroutines only drain the inbound buffer and queue
// outbound bytes, re-arming the descriptor so the reactor does the I/O.

package conn

import (
	"errors"
	"sync"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-ftp/api"
	"github.com/momentics/hioload-ftp/internal/logging"
	"github.com/momentics/hioload-ftp/reactor"
)

const (
	// ReadChunk is the scratch buffer size of one read call.
	ReadChunk = 1024
	// MaxBuffered bounds the inbound buffer filled by a single read cycle.
	MaxBuffered = 64 * 1024
)

// SocketOps is the raw descriptor surface a Connection drives.
type SocketOps interface {
	Read(fd int, p []byte) (int, error)
	Write(fd int, p []byte) (int, error)
	Shutdown(fd int) error
	Close(fd int) error
	// ConnectResult reports the outcome of a non-blocking connect: nil once
	// established, unix.EINPROGRESS while pending, the failure otherwise.
	ConnectResult(fd int) error
}

// Connection is one socket plus its buffers and state.
type Connection struct {
	fd  int
	ops SocketOps
	log logr.Logger

	mu         sync.Mutex
	state      api.State
	readBuf    []byte
	writeBuf   []byte
	reg        reactor.Registrar // set once armed
	eof        bool
	throttled  bool
	connecting bool
	closing    bool
	closed     bool
	connectErr error

	bytesRead    int
	bytesWritten int
}

// New wraps fd. ops defaults to the system calls when nil.
func New(fd int, ops SocketOps, log logr.Logger) *Connection {
	if ops == nil {
		ops = SystemOps
	}
	return &Connection{
		fd:    fd,
		ops:   ops,
		log:   log,
		state: api.Ready,
	}
}

// NewDialing wraps fd whose non-blocking connect is still in progress. The
// first writable or error wake settles it.
func NewDialing(fd int, ops SocketOps, log logr.Logger) *Connection {
	c := New(fd, ops, log)
	c.connecting = true
	return c
}

// FD returns the owned descriptor.
func (c *Connection) FD() int {
	return c.fd
}

// State returns the state left by the last dispatch.
func (c *Connection) State() api.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the connection is usable.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.state != api.Closed
}

// Connecting reports whether an outbound connect has not settled yet.
func (c *Connection) Connecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connecting
}

// ConnectErr returns why an outbound connect failed, or nil.
func (c *Connection) ConnectErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectErr
}

// EOF reports whether the peer finished sending.
func (c *Connection) EOF() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eof
}

// Pending returns the number of inbound bytes not yet drained.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.readBuf)
}

// Buffered returns the number of outbound bytes not yet written.
func (c *Connection) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writeBuf)
}

// TakeCounters returns the bytes read and written since the previous call.
func (c *Connection) TakeCounters() (read, written int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	read, written = c.bytesRead, c.bytesWritten
	c.bytesRead, c.bytesWritten = 0, 0
	return read, written
}

// Dispatch runs one state transition for the readiness flags ev. Closed is
// terminal.
func (c *Connection) Dispatch(ev reactor.Events) api.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state == api.Closed {
		return api.Closed
	}

	c.state = api.Ready
	if c.connecting && !c.settle(ev) {
		return c.state
	}
	if ev.IsReadable() {
		c.read()
	}
	if ev.IsWritable() {
		c.write()
	}
	if ev.IsError() {
		c.state = api.Closed
	}
	if ev.IsClose() {
		c.state = api.Closed
	}
	if c.closing && len(c.writeBuf) == 0 {
		c.state = api.Closed
	}
	return c.state
}

// settle resolves a pending connect. It reports whether the wake should be
// processed further.
func (c *Connection) settle(ev reactor.Events) bool {
	if !ev.IsWritable() && !ev.IsError() && !ev.IsHup() {
		return false
	}
	err := c.ops.ConnectResult(c.fd)
	switch {
	case err == nil:
		c.connecting = false
		c.log.V(logging.DEBUG).Info("Connected", "fd", c.fd)
		return true
	case errors.Is(err, unix.EINPROGRESS) && !ev.IsError():
		return false
	default:
		c.connecting = false
		c.connectErr = err
		c.state = api.Closed
		c.log.V(logging.VERBOSE).Info("Connect failed", "fd", c.fd, "err", err.Error())
		return false
	}
}

// read drains the socket until it is empty, closed or the guard trips. A
// throttled connection is left alone until GetMsg drains and re-arms it.
func (c *Connection) read() {
	if c.throttled {
		c.log.V(logging.TRACE).Info("Read skipped, inbound buffer full", "fd", c.fd, "size", len(c.readBuf))
		return
	}
	var scratch [ReadChunk]byte
	for c.state != api.Finished && c.state != api.Closed {
		n, err := c.ops.Read(c.fd, scratch[:])
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				c.log.V(logging.DEBUG).Info("Read interrupted, retrying", "fd", c.fd)
				continue
			case errors.Is(err, unix.EAGAIN):
				// Nothing more until the next edge.
				c.log.V(logging.TRACE).Info("Read would block", "fd", c.fd)
				if c.state == api.Reading {
					c.state = api.Finished
				}
				return
			default:
				c.state = api.Closed
				c.log.V(logging.VERBOSE).Info("Read failed", "fd", c.fd, "err", err.Error())
				return
			}
		}

		if n == 0 {
			c.state = api.Finished
			c.eof = true
			break
		}
		c.readBuf = append(c.readBuf, scratch[:n]...)
		c.bytesRead += n
		c.state = api.Reading
		if n < len(scratch) {
			c.state = api.Finished
			c.log.V(logging.TRACE).Info("Read data", "fd", c.fd, "len", n)
			break
		}
		if len(c.readBuf) >= MaxBuffered {
			c.throttled = true
			c.log.V(logging.DEBUG).Info("Inbound buffer reached limit", "fd", c.fd, "size", len(c.readBuf))
			break
		}
	}
}

// write flushes the outbound buffer until it is empty or would block.
func (c *Connection) write() {
	for len(c.writeBuf) > 0 {
		n, err := c.ops.Write(c.fd, c.writeBuf)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				break
			}
			c.state = api.Closed
			c.log.V(logging.VERBOSE).Info("Write failed", "fd", c.fd, "err", err.Error())
			return
		}
		if n <= 0 {
			break
		}
		c.writeBuf = c.writeBuf[n:]
		c.bytesWritten += n
	}
	if len(c.writeBuf) == 0 {
		c.writeBuf = nil
		return
	}
	if c.state == api.Ready {
		c.state = api.Writing
	}
}

// GetMsg returns everything read so far and clears the inbound buffer.
func (c *Connection) GetMsg() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := c.readBuf
	c.readBuf = nil
	if c.throttled {
		c.throttled = false
		if err := c.rearm(); err != nil {
			c.log.Error(err, "Re-arm after throttled read failed", "fd", c.fd)
		}
	}
	return msg
}

// QueueWrite appends p to the outbound buffer and re-arms the descriptor so
// the reactor flushes it on the next writable edge.
func (c *Connection) QueueWrite(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.closing || c.state == api.Closed {
		return api.ErrConnClosed
	}
	c.writeBuf = append(c.writeBuf, p...)
	return c.rearm()
}

// RequestClose asks the reactor to close after pending writes are flushed.
func (c *Connection) RequestClose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.closing {
		return nil
	}
	c.closing = true
	return c.rearm()
}

// Closing reports whether RequestClose was called.
func (c *Connection) Closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// rearm refreshes the interest set; caller holds c.mu.
func (c *Connection) rearm() error {
	if c.reg == nil || c.closed {
		return nil
	}
	return c.reg.Reregister(c.fd, reactor.SessionInterest)
}

// RegisterRead clears the inbound buffer and arms the descriptor for
// read|write|hangup|error, edge-triggered.
func (c *Connection) RegisterRead(r reactor.Registrar) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return api.ErrConnClosed
	}
	c.readBuf = nil
	if c.reg != nil {
		return c.reg.Reregister(c.fd, reactor.SessionInterest)
	}
	if err := r.Register(reactor.Notify(c.fd), reactor.SessionInterest); err != nil {
		return err
	}
	c.reg = r
	return nil
}

// Deregister removes the descriptor from the reactor and shuts the socket
// down in both directions.
func (c *Connection) Deregister() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deregister()
}

func (c *Connection) deregister() error {
	var err error
	if c.reg != nil {
		err = c.reg.Deregister(c.fd)
		c.reg = nil
	}
	c.shutdown()
	return err
}

func (c *Connection) shutdown() {
	if c.fd < 0 {
		return
	}
	if err := c.ops.Shutdown(c.fd); err != nil {
		c.log.V(logging.VERBOSE).Info("Shutdown failed", "fd", c.fd, "err", err.Error())
	}
}

// Close deregisters, shuts down and closes the descriptor. Closing twice is
// a no-op. Unread inbound bytes stay available to GetMsg.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.state = api.Closed
	err := c.deregister()
	if c.fd >= 0 {
		err = multierr.Append(err, c.ops.Close(c.fd))
	}
	c.writeBuf = nil
	return err
}
