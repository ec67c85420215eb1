//go:build linux
// +build linux

// File: conn/socket_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Raw socket setup: listening socket, accept4, active-mode connect.

package conn

import (
	"errors"
	"fmt"
	"net"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-ftp/api"
	"github.com/momentics/hioload-ftp/internal/logging"
)

type systemOps struct{}

func (systemOps) Read(fd int, p []byte) (int, error)  { return unix.Read(fd, p) }
func (systemOps) Write(fd int, p []byte) (int, error) { return unix.Write(fd, p) }
func (systemOps) Shutdown(fd int) error               { return unix.Shutdown(fd, unix.SHUT_RDWR) }
func (systemOps) Close(fd int) error                  { return unix.Close(fd) }

func (systemOps) ConnectResult(fd int) error {
	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	if _, err := unix.Getpeername(fd); err != nil {
		if errors.Is(err, unix.ENOTCONN) {
			return unix.EINPROGRESS
		}
		return err
	}
	return nil
}

// SystemOps drives real descriptors.
var SystemOps SocketOps = systemOps{}

// Listener is a bound, listening, non-blocking TCP socket.
type Listener struct {
	fd   int
	addr *net.TCPAddr
}

// Bind creates a listening socket on addr. Errors are setup-fatal for the
// caller.
func Bind(addr string) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	family, sa := sockaddr(tcpAddr)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket create: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	return &Listener{fd: fd, addr: tcpAddrOf(bound)}, nil
}

// FD returns the listening descriptor.
func (l *Listener) FD() int { return l.fd }

// Addr returns the bound address, with the real port when ":0" was asked.
func (l *Listener) Addr() *net.TCPAddr { return l.addr }

// Close closes the listening descriptor.
func (l *Listener) Close() error {
	return unix.Close(l.fd)
}

// Accept takes one pending connection off listenFD. The new descriptor is
// non-blocking and close-on-exec, with Nagle disabled.
func Accept(listenFD int, log logr.Logger) (*Connection, error) {
	var (
		fd  int
		err error
	)
	for {
		fd, _, err = unix.Accept4(listenFD, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("accept4 on %d: %w", listenFD, err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("setsockopt TCP_NODELAY on %d: %w", fd, err)
	}
	return New(fd, SystemOps, log), nil
}

// Connect starts a non-blocking outbound TCP connection for an active-mode
// data channel. The returned Connection is usually still Connecting; the
// reactor settles it on the first writable wake. Immediate failure is
// logged and the Connection reports Connected() false.
func Connect(addr string, log logr.Logger) *Connection {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		log.Error(err, "Resolve failed", "addr", addr)
		return deadConnection(-1, log)
	}
	family, sa := sockaddr(tcpAddr)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		log.Error(err, "Socket create failed", "addr", addr)
		return deadConnection(-1, log)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		log.V(logging.VERBOSE).Info("Disable Nagle failed", "fd", fd, "err", err.Error())
	}
	err = unix.Connect(fd, sa)
	switch {
	case err == nil:
		log.V(logging.DEBUG).Info("A new connection", "fd", fd, "addr", addr)
		return New(fd, SystemOps, log)
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR):
		log.V(logging.DEBUG).Info("Connecting", "fd", fd, "addr", addr)
		return NewDialing(fd, SystemOps, log)
	default:
		log.Error(err, "Connect failed", "addr", addr, "fd", fd)
		return deadConnection(fd, log)
	}
}

func deadConnection(fd int, log logr.Logger) *Connection {
	c := New(fd, SystemOps, log)
	c.state = api.Closed
	return c
}

// PeerAddr returns the remote address of the connection.
func (c *Connection) PeerAddr() (*net.TCPAddr, error) {
	sa, err := unix.Getpeername(c.fd)
	if err != nil {
		return nil, fmt.Errorf("getpeername %d: %w", c.fd, err)
	}
	return tcpAddrOf(sa), nil
}

func sockaddr(a *net.TCPAddr) (int, unix.Sockaddr) {
	if ip4 := a.IP.To4(); ip4 != nil || a.IP == nil {
		sa := &unix.SockaddrInet4{Port: a.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], a.IP.To16())
	return unix.AF_INET6, sa
}

func tcpAddrOf(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3]), Port: a.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, a.Addr[:])
		return &net.TCPAddr{IP: ip, Port: a.Port}
	default:
		return &net.TCPAddr{}
	}
}
