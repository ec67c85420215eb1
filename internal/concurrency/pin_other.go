//go:build !linux
// +build !linux

// File: internal/concurrency/pin_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import "github.com/momentics/hioload-ftp/api"

// PinCurrentThread is unsupported off Linux.
func PinCurrentThread(int) (func(), error) { return nil, api.ErrNotSupported }

// CurrentCPUSet is unsupported off Linux.
func CurrentCPUSet() ([]int, error) { return nil, api.ErrNotSupported }
