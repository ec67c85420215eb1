// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral reactor contracts: tokens, handler callbacks and the
// registration surface shared by connections and sessions.

package reactor

import "fmt"

// Kind tags the semantic origin of a registered descriptor.
type Kind uint8

const (
	// KindListen marks the accepting socket.
	KindListen Kind = iota + 1
	// KindNotify marks a session socket with application-level work.
	KindNotify
	// KindTimer marks a periodic idle-sweep timer.
	KindTimer

	// kindWake is the reactor's own eventfd; never delivered to handlers.
	kindWake
)

func (k Kind) String() string {
	switch k {
	case KindListen:
		return "Listen"
	case KindNotify:
		return "Notify"
	case KindTimer:
		return "Timer"
	case kindWake:
		return "wake"
	default:
		return "Unknown"
	}
}

// Token identifies a registered descriptor by kind and fd.
type Token struct {
	Kind Kind
	FD   int
}

// Listen returns the token of an accepting socket.
func Listen(fd int) Token { return Token{Kind: KindListen, FD: fd} }

// Notify returns the token of a session socket.
func Notify(fd int) Token { return Token{Kind: KindNotify, FD: fd} }

// Timer returns the token of a sweep timer.
func Timer(fd int) Token { return Token{Kind: KindTimer, FD: fd} }

func (t Token) String() string {
	return fmt.Sprintf("%s(%d)", t.Kind, t.FD)
}

// Handler receives classified readiness events. Both callbacks run on the
// reactor goroutine and must not block except where documented.
type Handler interface {
	// Ready fires for Listen tokens.
	Ready(tok Token, ev Events)
	// Notify fires for Notify and Timer tokens.
	Notify(tok Token, ev Events)
}

// Registrar is the registration surface of a reactor. Implementations are
// safe for concurrent use.
type Registrar interface {
	Register(tok Token, ev Events) error
	Reregister(fd int, ev Events) error
	Deregister(fd int) error
	// Post runs fn on the reactor goroutine. Workers use it for anything
	// that touches sockets or the reactor-owned maps.
	Post(fn func()) error
}

// Option configures a Reactor.
type Option func(*Reactor)
