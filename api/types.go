// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations and constants.

package api

// State is the connection state machine value returned by a dispatch.
type State int

const (
	// Ready is the state every dispatch starts from.
	Ready State = iota
	// Reading means bytes were appended and more may still be buffered.
	Reading
	// Writing means outbound bytes remain queued for the next writable edge.
	Writing
	// Finished means the socket was drained (or reached end-of-stream).
	Finished
	// Closed is terminal.
	Closed
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Reading:
		return "reading"
	case Writing:
		return "writing"
	case Finished:
		return "finished"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason labels why a session was torn down.
type CloseReason string

const (
	CloseReasonError    CloseReason = "error"
	CloseReasonEOF      CloseReason = "eof"
	CloseReasonIdle     CloseReason = "idle"
	CloseReasonProtocol CloseReason = "protocol"
	CloseReasonShutdown CloseReason = "shutdown"
)
