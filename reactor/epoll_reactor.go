//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - Linux epoll implementation.

package reactor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-ftp/api"
	"github.com/momentics/hioload-ftp/internal/concurrency"
	"github.com/momentics/hioload-ftp/internal/logging"
)

const maxEvents = 128

// entry is a registered token plus the generation stamped into its epoll
// data, so events queued for a closed descriptor never reach a newer
// registration that reuses its number.
type entry struct {
	tok Token
	gen int32
}

// Reactor is an epoll-backed readiness loop. Registration methods may be
// called from any goroutine; handler callbacks only run inside Run.
type Reactor struct {
	epfd   int // epoll file descriptor
	wakefd int // eventfd used to interrupt EpollWait

	mu     sync.RWMutex
	tokens map[int]entry
	timers []int
	gen    int32

	postMu sync.Mutex
	posted []func()

	running atomic.Bool
	closed  atomic.Bool
	cpu     int // -1: not pinned
	log     logr.Logger
}

// New creates a reactor with its wake-up eventfd already registered.
func New(log logr.Logger, opts ...Option) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd create: %w", err)
	}
	r := &Reactor{
		epfd:   epfd,
		wakefd: wakefd,
		tokens: make(map[int]entry),
		cpu:    -1,
		log:    log.WithName("reactor"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.ctl(unix.EPOLL_CTL_ADD, wakefd, 0, EventIn); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add wake: %w", err)
	}
	r.tokens[wakefd] = entry{tok: Token{Kind: kindWake, FD: wakefd}}
	return r, nil
}

// WithCPU pins the Run thread to cpu. A negative cpu leaves it unpinned.
func WithCPU(cpu int) Option {
	return func(r *Reactor) { r.cpu = cpu }
}

func (r *Reactor) ctl(op, fd int, gen int32, ev Events) error {
	event := unix.EpollEvent{Events: uint32(ev), Fd: int32(fd), Pad: gen}
	return unix.EpollCtl(r.epfd, op, fd, &event)
}

// Register adds fd to the interest list under tok.
func (r *Reactor) Register(tok Token, ev Events) error {
	if r.closed.Load() {
		return api.ErrReactorClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[tok.FD]; ok {
		return fmt.Errorf("register %s: %w", tok, api.ErrAlreadyExists)
	}
	r.gen++
	if err := r.ctl(unix.EPOLL_CTL_ADD, tok.FD, r.gen, ev); err != nil {
		return fmt.Errorf("epoll ctl add %s: %w", tok, err)
	}
	r.tokens[tok.FD] = entry{tok: tok, gen: r.gen}
	r.log.V(logging.TRACE).Info("Registered", "token", tok, "events", ev)
	return nil
}

// Reregister replaces the interest set of an already registered fd. With
// EventET set this also re-arms the edge: if the fd is ready right now a
// fresh event is queued.
func (r *Reactor) Reregister(fd int, ev Events) error {
	if r.closed.Load() {
		return api.ErrReactorClosed
	}
	r.mu.RLock()
	ent := r.tokens[fd]
	r.mu.RUnlock()
	if err := r.ctl(unix.EPOLL_CTL_MOD, fd, ent.gen, ev); err != nil {
		return fmt.Errorf("epoll ctl mod %d: %w", fd, err)
	}
	return nil
}

// Deregister removes fd from the interest list. The token is forgotten even
// if the kernel already dropped the fd.
func (r *Reactor) Deregister(fd int) error {
	r.mu.Lock()
	delete(r.tokens, fd)
	r.mu.Unlock()
	if r.closed.Load() {
		return nil
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del %d: %w", fd, err)
	}
	return nil
}

// AddTimer registers a periodic timerfd firing every interval.
func (r *Reactor) AddTimer(interval time.Duration) (Token, error) {
	if interval <= 0 {
		return Token{}, fmt.Errorf("timer interval %s: %w", interval, api.ErrInvalidArgument)
	}
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return Token{}, fmt.Errorf("timerfd create: %w", err)
	}
	ts := unix.NsecToTimespec(interval.Nanoseconds())
	its := unix.ItimerSpec{Interval: ts, Value: ts}
	if err := unix.TimerfdSettime(tfd, 0, &its, nil); err != nil {
		_ = unix.Close(tfd)
		return Token{}, fmt.Errorf("timerfd settime: %w", err)
	}
	tok := Timer(tfd)
	if err := r.Register(tok, TimerInterest); err != nil {
		_ = unix.Close(tfd)
		return Token{}, err
	}
	r.mu.Lock()
	r.timers = append(r.timers, tfd)
	r.mu.Unlock()
	return tok, nil
}

// Run blocks the calling goroutine, pinned to its OS thread, dispatching
// events to h until ctx is cancelled.
func (r *Reactor) Run(ctx context.Context, h Handler) error {
	if r.closed.Load() {
		return api.ErrReactorClosed
	}
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("reactor already running")
	}
	defer r.running.Store(false)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if r.cpu >= 0 {
		restore, err := concurrency.PinCurrentThread(r.cpu)
		if err != nil {
			r.log.Error(err, "Pinning reactor thread failed, running unpinned", "cpu", r.cpu)
		} else {
			defer restore()
			r.log.V(logging.VERBOSE).Info("Reactor thread pinned", "cpu", r.cpu)
		}
	}

	stop := context.AfterFunc(ctx, r.wake)
	defer stop()

	events := make([]unix.EpollEvent, maxEvents)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			ev := Events(events[i].Events)

			r.mu.RLock()
			ent, ok := r.tokens[fd]
			r.mu.RUnlock()
			if !ok || ent.gen != events[i].Pad {
				// deregistered earlier in this batch, or the number was
				// reused by a newer registration
				continue
			}

			tok := ent.tok
			switch tok.Kind {
			case kindWake:
				drain(fd)
				r.runPosted()
			case KindListen:
				r.call(h.Ready, tok, ev)
			case KindTimer:
				drain(fd)
				r.call(h.Notify, tok, ev)
			default:
				r.call(h.Notify, tok, ev)
			}
		}
	}
}

// call keeps the loop alive when a handler panics.
func (r *Reactor) call(fn func(Token, Events), tok Token, ev Events) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error(fmt.Errorf("%v", p), "Handler panicked", "token", tok, "events", ev)
		}
	}()
	fn(tok, ev)
}

// Post queues fn to run on the reactor goroutine at its next wake, after
// everything posted before it. Work still queued when Run returns is
// dropped.
func (r *Reactor) Post(fn func()) error {
	if r.closed.Load() {
		return api.ErrReactorClosed
	}
	r.postMu.Lock()
	r.posted = append(r.posted, fn)
	r.postMu.Unlock()
	r.wake()
	return nil
}

func (r *Reactor) runPosted() {
	r.postMu.Lock()
	fns := r.posted
	r.posted = nil
	r.postMu.Unlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Error(fmt.Errorf("%v", p), "Posted function panicked")
				}
			}()
			fn()
		}()
	}
}

func (r *Reactor) wake() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(r.wakefd, buf[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		r.log.Error(err, "Wake failed")
	}
}

// drain resets the counter of an eventfd or timerfd.
func drain(fd int) {
	var buf [8]byte
	_, _ = unix.Read(fd, buf[:])
}

// Close releases timers, the wake eventfd and the epoll instance.
func (r *Reactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.wake()
	r.mu.Lock()
	timers := r.timers
	r.timers = nil
	r.tokens = make(map[int]entry)
	r.mu.Unlock()
	r.postMu.Lock()
	r.posted = nil
	r.postMu.Unlock()

	var err error
	for _, tfd := range timers {
		err = multierr.Append(err, unix.Close(tfd))
	}
	err = multierr.Append(err, unix.Close(r.wakefd))
	err = multierr.Append(err, unix.Close(r.epfd))
	return err
}

var _ Registrar = (*Reactor)(nil)
