// File: reactor/events.go
// Author: momentics <momentics@gmail.com>
//
// Readiness flags. Values are bit-identical to Linux epoll so a raw
// epoll_event mask converts without translation.

package reactor

import "strings"

// Events is a readiness or interest mask.
type Events uint32

const (
	EventIn    Events = 0x1
	EventPri   Events = 0x2
	EventOut   Events = 0x4
	EventErr   Events = 0x8
	EventHup   Events = 0x10
	EventRdHup Events = 0x2000
	EventET    Events = 1 << 31
)

const (
	// SessionInterest arms a session socket: read, write, hangup and error,
	// edge-triggered.
	SessionInterest = EventIn | EventOut | EventHup | EventErr | EventET
	// ListenInterest arms the accepting socket level-triggered so that one
	// accept per wake never strands a pending connection.
	ListenInterest = EventIn | EventErr
	// TimerInterest arms a timerfd.
	TimerInterest = EventIn
)

// IsReadable reports data or priority data ready.
func (e Events) IsReadable() bool {
	return e&(EventIn|EventPri) != 0
}

// IsWritable reports the socket can accept writes.
func (e Events) IsWritable() bool {
	return e&EventOut != 0
}

// IsClose reports a hangup with no data left to read.
func (e Events) IsClose() bool {
	return e&EventHup != 0 && e&EventIn == 0
}

// IsError reports an error condition.
func (e Events) IsError() bool {
	return e&EventErr != 0
}

// IsHup reports a hangup regardless of pending data.
func (e Events) IsHup() bool {
	return e&EventHup != 0
}

var eventNames = []struct {
	bit  Events
	name string
}{
	{EventIn, "IN"},
	{EventPri, "PRI"},
	{EventOut, "OUT"},
	{EventErr, "ERR"},
	{EventHup, "HUP"},
	{EventRdHup, "RDHUP"},
	{EventET, "ET"},
}

func (e Events) String() string {
	if e == 0 {
		return "0"
	}
	var parts []string
	for _, n := range eventNames {
		if e&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}
