//go:build linux
// +build linux

// File: internal/concurrency/pin_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// CPU pinning for goroutines locked to their OS thread.

package concurrency

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-ftp/api"
)

// cpuSetSize matches the kernel's CPU_SETSIZE.
const cpuSetSize = 1024

// PinCurrentThread binds the calling OS thread to cpu. The caller must
// hold runtime.LockOSThread. restore puts the previous mask back and must
// run on the same thread before it is unlocked.
func PinCurrentThread(cpu int) (restore func(), err error) {
	if cpu < 0 || cpu >= cpuSetSize {
		return nil, fmt.Errorf("cpu %d out of range [0,%d): %w", cpu, cpuSetSize, api.ErrInvalidArgument)
	}
	var prev unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prev); err != nil {
		return nil, fmt.Errorf("sched_getaffinity: %w", err)
	}
	var set unix.CPUSet
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("sched_setaffinity cpu %d: %w", cpu, err)
	}
	return func() { _ = unix.SchedSetaffinity(0, &prev) }, nil
}

// CurrentCPUSet returns the CPUs the calling thread may run on.
func CurrentCPUSet() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("sched_getaffinity: %w", err)
	}
	var cpus []int
	for i := 0; i < cpuSetSize && len(cpus) < set.Count(); i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus, nil
}
