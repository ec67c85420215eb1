// File: internal/daemon/guard.go
// Package daemon
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Process-level concerns of a long running server: singleton guard and
// signal disposition.

package daemon

// DefaultPIDFile is the lock file consulted at startup.
const DefaultPIDFile = "/var/run/miniftp.pid"

// Guard ensures at most one server instance runs per lock.
type Guard interface {
	// Acquire returns false, nil when another process already holds it.
	Acquire() (bool, error)
	Release() error
}

// NopGuard always succeeds.
type NopGuard struct{}

func (NopGuard) Acquire() (bool, error) { return true, nil }
func (NopGuard) Release() error         { return nil }
