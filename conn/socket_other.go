//go:build !linux
// +build !linux

// File: conn/socket_other.go
// Author: momentics <momentics@gmail.com>
//
// Stub socket setup for unsupported platforms.

package conn

import (
	"net"

	"github.com/go-logr/logr"

	"github.com/momentics/hioload-ftp/api"
)

type systemOps struct{}

func (systemOps) Read(int, []byte) (int, error)  { return 0, api.ErrNotSupported }
func (systemOps) Write(int, []byte) (int, error) { return 0, api.ErrNotSupported }
func (systemOps) Shutdown(int) error             { return api.ErrNotSupported }
func (systemOps) Close(int) error                { return api.ErrNotSupported }
func (systemOps) ConnectResult(int) error        { return api.ErrNotSupported }

// SystemOps is unavailable on this platform.
var SystemOps SocketOps = systemOps{}

// Listener is unavailable on this platform.
type Listener struct{}

func Bind(string) (*Listener, error)                  { return nil, api.ErrNotSupported }
func (l *Listener) FD() int                           { return -1 }
func (l *Listener) Addr() *net.TCPAddr                { return &net.TCPAddr{} }
func (l *Listener) Close() error                      { return nil }
func (c *Connection) PeerAddr() (*net.TCPAddr, error) { return nil, api.ErrNotSupported }

func Accept(int, logr.Logger) (*Connection, error) { return nil, api.ErrNotSupported }

func Connect(_ string, log logr.Logger) *Connection {
	c := New(-1, SystemOps, log)
	c.state = api.Closed
	return c
}
