// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Provides predictable, controllable behavior for the engine's seams.

package fake

import (
	"sync"

	"golang.org/x/sys/unix"
)

// ReadResult scripts one Read call.
type ReadResult struct {
	Data []byte
	EOF  bool
	Err  error
}

// Data returns a result delivering p.
func Data(p []byte) ReadResult { return ReadResult{Data: p} }

// EOF returns an orderly end-of-stream result.
func EOF() ReadResult { return ReadResult{EOF: true} }

// Errno returns a result failing with err.
func Errno(err error) ReadResult { return ReadResult{Err: err} }

// Socket is a scripted conn.SocketOps. Once the read script is exhausted,
// Read reports EAGAIN, like an empty non-blocking socket.
type Socket struct {
	mu          sync.Mutex
	reads       []ReadResult
	writeErrs   []error
	written     []byte
	writeLimit  int
	connectErrs []error

	readCalls     int
	writeCalls    int
	shutdownCalls int
	closeCalls    int
	connectCalls  int
}

// NewSocket creates a socket that will replay reads in order.
func NewSocket(reads ...ReadResult) *Socket {
	return &Socket{reads: reads}
}

// AddReads appends more scripted reads.
func (s *Socket) AddReads(reads ...ReadResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, reads...)
}

// SetWriteLimit caps the bytes accepted per Write call; 0 means unlimited.
func (s *Socket) SetWriteLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLimit = n
}

// AddWriteErrors scripts Write outcomes; nil entries succeed.
func (s *Socket) AddWriteErrors(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErrs = append(s.writeErrs, errs...)
}

// AddConnectResults scripts ConnectResult outcomes. Once they run out the
// connect is reported as established.
func (s *Socket) AddConnectResults(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErrs = append(s.connectErrs, errs...)
}

// ConnectResult implements conn.SocketOps.
func (s *Socket) ConnectResult(int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectCalls++
	if len(s.connectErrs) == 0 {
		return nil
	}
	err := s.connectErrs[0]
	s.connectErrs = s.connectErrs[1:]
	return err
}

// ConnectCalls returns the number of ConnectResult invocations.
func (s *Socket) ConnectCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectCalls
}

// Read implements conn.SocketOps.
func (s *Socket) Read(_ int, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCalls++
	if len(s.reads) == 0 {
		return -1, unix.EAGAIN
	}
	r := s.reads[0]
	switch {
	case r.Err != nil:
		s.reads = s.reads[1:]
		return -1, r.Err
	case r.EOF:
		s.reads = s.reads[1:]
		return 0, nil
	}
	n := copy(p, r.Data)
	if n < len(r.Data) {
		s.reads[0].Data = r.Data[n:]
	} else {
		s.reads = s.reads[1:]
	}
	return n, nil
}

// Write implements conn.SocketOps.
func (s *Socket) Write(_ int, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeCalls++
	if len(s.writeErrs) > 0 {
		err := s.writeErrs[0]
		s.writeErrs = s.writeErrs[1:]
		if err != nil {
			return -1, err
		}
	}
	n := len(p)
	if s.writeLimit > 0 && n > s.writeLimit {
		n = s.writeLimit
	}
	s.written = append(s.written, p[:n]...)
	return n, nil
}

// Shutdown implements conn.SocketOps.
func (s *Socket) Shutdown(int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownCalls++
	return nil
}

// Close implements conn.SocketOps.
func (s *Socket) Close(int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	return nil
}

// Written returns a copy of everything written so far.
func (s *Socket) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.written))
	copy(out, s.written)
	return out
}

// ReadCalls returns the number of Read invocations.
func (s *Socket) ReadCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCalls
}

// WriteCalls returns the number of Write invocations.
func (s *Socket) WriteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeCalls
}

// ShutdownCalls returns the number of Shutdown invocations.
func (s *Socket) ShutdownCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownCalls
}

// CloseCalls returns the number of Close invocations.
func (s *Socket) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}
