// File: internal/daemon/pidfile_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build linux

package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// PIDFile holds an exclusive advisory lock on a file containing the pid of
// the running server.
type PIDFile struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewPIDFile creates a guard for path; empty means DefaultPIDFile.
func NewPIDFile(path string) *PIDFile {
	if path == "" {
		path = DefaultPIDFile
	}
	return &PIDFile{path: path}
}

// Path returns the lock file location.
func (p *PIDFile) Path() string {
	return p.path
}

// Acquire opens the file, takes a non-blocking exclusive flock and writes
// the current pid into it.
func (p *PIDFile) Acquire() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file != nil {
		return true, nil
	}

	f, err := os.OpenFile(p.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return false, fmt.Errorf("open pid file %s: %w", p.path, err)
	}
	fd := int(f.Fd())
	for {
		err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("lock pid file %s: %w", p.path, err)
	}

	if err := f.Truncate(0); err != nil {
		return false, multierr.Append(fmt.Errorf("truncate pid file %s: %w", p.path, err), f.Close())
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		return false, multierr.Append(fmt.Errorf("write pid file %s: %w", p.path, err), f.Close())
	}
	p.file = f
	return true, nil
}

// Release drops the lock and closes the file. The file itself stays.
func (p *PIDFile) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return nil
	}
	f := p.file
	p.file = nil
	err := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return multierr.Append(err, f.Close())
}

var _ Guard = (*PIDFile)(nil)
