// Package fake
// Author: momentics <momentics@gmail.com>
//
// Recording protocol collaborator.

package fake

import (
	"context"
	"sync"

	"github.com/momentics/hioload-ftp/api"
)

// Protocol records every non-empty message it drains and optionally replies.
type Protocol struct {
	Msgs  chan []byte
	Reply func(msg []byte) []byte

	mu    sync.Mutex
	calls int
}

// NewProtocol creates a protocol buffering up to capacity messages.
func NewProtocol(capacity int) *Protocol {
	return &Protocol{Msgs: make(chan []byte, capacity)}
}

// Handle implements api.Protocol.
func (p *Protocol) Handle(ctx context.Context, s api.Session) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	msg := s.GetMsg()
	if len(msg) == 0 {
		return nil
	}
	select {
	case p.Msgs <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.Reply != nil {
		return s.Send(p.Reply(msg))
	}
	return nil
}

// Calls returns how many times Handle ran.
func (p *Protocol) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
