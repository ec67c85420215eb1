// File: internal/daemon/signals.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// IgnoreSignals stops SIGPIPE and SIGHUP from terminating the process.
// Writes to a reset peer then surface as EPIPE on the descriptor.
func IgnoreSignals() {
	signal.Ignore(syscall.SIGPIPE, syscall.SIGHUP)
}

// NotifyContext returns a context cancelled on SIGINT or SIGTERM.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
