// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package api

import (
	"context"
)

// Session is the view of one client that the protocol layer works with.
// All methods are safe to call from a worker goroutine holding the session.
type Session interface {
	ID() string
	// FD is the control-channel descriptor.
	FD() int
	// GetMsg drains everything received on the control channel so far.
	GetMsg() []byte
	// Send queues a reply; the reactor flushes it on write readiness.
	Send(p []byte) error

	// OpenDataChannel schedules an active-mode dial. The session is handed
	// back to the protocol once the connect settles.
	OpenDataChannel(addr string) error
	// DataFD reports the data descriptor once the channel is connected.
	DataFD() (int, bool)
	// DataErr returns and clears the last dial failure seen after
	// OpenDataChannel returned.
	DataErr() error
	GetDataMsg() []byte
	SendData(p []byte) error
	CloseDataChannel() error

	// Close flushes pending replies and then tears the session down.
	Close()
}

// Protocol consumes a session's inbound bytes and decides what to write back.
type Protocol interface {
	Handle(ctx context.Context, s Session) error
}

// ProtocolFunc adapts a plain function to Protocol.
type ProtocolFunc func(ctx context.Context, s Session) error

// Handle calls f(ctx, s).
func (f ProtocolFunc) Handle(ctx context.Context, s Session) error {
	return f(ctx, s)
}
