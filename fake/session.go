// Package fake
// Author: momentics <momentics@gmail.com>
//
// In-memory api.Session for protocol tests.

package fake

import (
	"sync"

	"github.com/momentics/hioload-ftp/api"
)

// Session is an api.Session backed by byte slices.
type Session struct {
	mu       sync.Mutex
	id       string
	fd       int
	inbound  []byte
	data     []byte
	dataFD   int
	hasData  bool
	sent     []byte
	dataSent []byte
	closed   bool
	sendErr  error
	dialErr  error
	dataErr  error
}

var _ api.Session = (*Session)(nil)

// NewSession creates a session with the given id and control fd.
func NewSession(id string, fd int) *Session {
	return &Session{id: id, fd: fd, dataFD: -1}
}

// Feed appends bytes the next GetMsg returns.
func (s *Session) Feed(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound = append(s.inbound, p...)
}

// FeedData appends bytes the next GetDataMsg returns.
func (s *Session) FeedData(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, p...)
}

// SetSendError makes Send and SendData fail with err.
func (s *Session) SetSendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// SetDialError makes OpenDataChannel fail with err.
func (s *Session) SetDialError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErr = err
}

// FailDataChannel drops the open data channel and records err for DataErr,
// as a connect that failed after OpenDataChannel returned.
func (s *Session) FailDataChannel(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasData = false
	s.dataFD = -1
	s.dataErr = err
}

func (s *Session) ID() string { return s.id }
func (s *Session) FD() int    { return s.fd }

func (s *Session) GetMsg() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.inbound
	s.inbound = nil
	return msg
}

func (s *Session) Send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return api.ErrConnClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, p...)
	return nil
}

func (s *Session) OpenDataChannel(string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialErr != nil {
		return s.dialErr
	}
	if s.hasData {
		return api.ErrAlreadyExists
	}
	s.hasData = true
	s.dataFD = s.fd + 1000
	return nil
}

func (s *Session) DataFD() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataFD, s.hasData
}

func (s *Session) DataErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.dataErr
	s.dataErr = nil
	return err
}

func (s *Session) GetDataMsg() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.data
	s.data = nil
	return msg
}

func (s *Session) SendData(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasData {
		return api.ErrNotConnected
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.dataSent = append(s.dataSent, p...)
	return nil
}

func (s *Session) CloseDataChannel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasData {
		return api.ErrNotConnected
	}
	s.hasData = false
	s.dataFD = -1
	return nil
}

func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Sent returns everything written with Send.
func (s *Session) Sent() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.sent...)
}

// DataSent returns everything written with SendData.
func (s *Session) DataSent() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.dataSent...)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
