// File: internal/daemon/pidfile_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build !linux

package daemon

import "github.com/momentics/hioload-ftp/api"

// PIDFile is unavailable off Linux.
type PIDFile struct{ path string }

func NewPIDFile(path string) *PIDFile {
	if path == "" {
		path = DefaultPIDFile
	}
	return &PIDFile{path: path}
}

func (p *PIDFile) Path() string           { return p.path }
func (p *PIDFile) Acquire() (bool, error) { return false, api.ErrNotSupported }
func (p *PIDFile) Release() error         { return nil }
