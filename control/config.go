// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Immutable configuration snapshot handed to the server.

package control

import (
	"net"
	"strconv"
	"time"
)

const (
	DefaultServerAddr    = "0.0.0.0"
	DefaultServerPort    = 2121
	DefaultMaxClients    = 1024
	DefaultIdleTimeout   = 60 * time.Second
	DefaultSweepInterval = 5 * time.Second
	DefaultWorkers       = 4
	DefaultQueueCapacity = 64
	DefaultPIDFile       = "/var/run/miniftp.pid"
	DefaultReactorCPU    = -1
)

// Config is read-only once built; every component receives a copy.
type Config struct {
	ServerAddr string
	ServerPort int
	// MaxClients caps concurrently admitted sessions.
	MaxClients int
	// IdleTimeout evicts sessions without activity; 0 disables eviction.
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Workers       int
	QueueCapacity int
	// ReactorCPU pins the reactor thread; -1 leaves it to the scheduler.
	ReactorCPU int
	// PIDFile is the singleton lock; empty disables the guard.
	PIDFile string
	// MetricsAddr serves /metrics and /debug/state; empty disables it.
	MetricsAddr string

	LogVerbosity int
	Development  bool
}

// Address returns the listen address as host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.ServerAddr, strconv.Itoa(c.ServerPort))
}
