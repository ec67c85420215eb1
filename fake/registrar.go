// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"sync"

	"github.com/momentics/hioload-ftp/reactor"
)

// Op names a registrar call.
type Op string

const (
	OpRegister   Op = "register"
	OpReregister Op = "reregister"
	OpDeregister Op = "deregister"
	OpPost       Op = "post"
)

// Call records one registrar invocation.
type Call struct {
	Op     Op
	FD     int
	Token  reactor.Token
	Events reactor.Events
}

// Registrar is a recording reactor.Registrar.
type Registrar struct {
	mu     sync.Mutex
	tokens map[int]reactor.Token
	calls  []Call
	posted []func()
	err    error
}

// NewRegistrar creates an empty registrar.
func NewRegistrar() *Registrar {
	return &Registrar{tokens: make(map[int]reactor.Token)}
}

// SetError makes every later Register, Reregister and Deregister fail
// with err.
func (r *Registrar) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Registrar) Register(tok reactor.Token, ev reactor.Events) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Op: OpRegister, FD: tok.FD, Token: tok, Events: ev})
	if r.err != nil {
		return r.err
	}
	r.tokens[tok.FD] = tok
	return nil
}

func (r *Registrar) Reregister(fd int, ev reactor.Events) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Op: OpReregister, FD: fd, Events: ev})
	return r.err
}

func (r *Registrar) Deregister(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Op: OpDeregister, FD: fd})
	delete(r.tokens, fd)
	return r.err
}

// Post queues fn until RunPosted plays the reactor goroutine.
func (r *Registrar) Post(fn func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Op: OpPost})
	r.posted = append(r.posted, fn)
	return nil
}

// RunPosted runs the queued functions in order, including any they post
// themselves, and returns how many ran.
func (r *Registrar) RunPosted() int {
	n := 0
	for {
		r.mu.Lock()
		fns := r.posted
		r.posted = nil
		r.mu.Unlock()
		if len(fns) == 0 {
			return n
		}
		for _, fn := range fns {
			fn()
			n++
		}
	}
}

// Registered reports whether fd is currently registered.
func (r *Registrar) Registered(fd int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tokens[fd]
	return ok
}

// Token returns the token fd was registered with.
func (r *Registrar) Token(fd int) (reactor.Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.tokens[fd]
	return tok, ok
}

// Calls returns a copy of the recorded calls.
func (r *Registrar) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Count returns how many calls of op were made for fd.
func (r *Registrar) Count(op Op, fd int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Op == op && c.FD == fd {
			n++
		}
	}
	return n
}
