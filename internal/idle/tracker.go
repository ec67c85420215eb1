// File: internal/idle/tracker.go
// Package idle tracks per-descriptor activity for idle eviction.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package idle

import (
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// DefaultTimeout is the idle threshold used when none is configured.
const DefaultTimeout = 60 * time.Second

// Tracker maps fd to the time it was last active and selects entries idle
// beyond a single shared threshold.
type Tracker struct {
	mu        sync.Mutex
	last      map[int]time.Time
	threshold time.Duration
	clock     clock.PassiveClock
}

// New creates a tracker. A threshold <= 0 disables eviction.
func New(threshold time.Duration, clk clock.PassiveClock) *Tracker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Tracker{
		last:      make(map[int]time.Time),
		threshold: threshold,
		clock:     clk,
	}
}

// Threshold returns the configured idle threshold.
func (t *Tracker) Threshold() time.Duration {
	return t.threshold
}

// Touch records activity on fd now, inserting it if needed.
func (t *Tracker) Touch(fd int) {
	now := t.clock.Now()
	t.mu.Lock()
	t.last[fd] = now
	t.mu.Unlock()
}

// Remove forgets fd.
func (t *Tracker) Remove(fd int) {
	t.mu.Lock()
	delete(t.last, fd)
	t.mu.Unlock()
}

// LastActive returns when fd was last touched.
func (t *Tracker) LastActive(fd int) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.last[fd]
	return ts, ok
}

// Len returns the number of tracked descriptors.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}

// Expired returns every fd idle for longer than the threshold, least
// recently active first, ties broken by fd. Entries are not removed.
func (t *Tracker) Expired() []int {
	if t.threshold <= 0 {
		return nil
	}
	now := t.clock.Now()

	t.mu.Lock()
	type entry struct {
		fd   int
		last time.Time
	}
	var stale []entry
	for fd, last := range t.last {
		if now.Sub(last) > t.threshold {
			stale = append(stale, entry{fd: fd, last: last})
		}
	}
	t.mu.Unlock()

	sort.Slice(stale, func(i, j int) bool {
		if !stale[i].last.Equal(stale[j].last) {
			return stale[i].last.Before(stale[j].last)
		}
		return stale[i].fd < stale[j].fd
	})
	out := make([]int, len(stale))
	for i, e := range stale {
		out[i] = e.fd
	}
	return out
}
