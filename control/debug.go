// control/debug.go
// Author: momentics <momentics@gmail.com>
//
// Runtime debug handler and hook reflector for internal inspection.

package control

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"sync"
)

// DebugState holds registered hook functions.
type DebugState struct {
	mu    sync.RWMutex
	hooks map[string]func() any
}

// NewDebugState creates a hook registry with the platform hooks set.
func NewDebugState() *DebugState {
	dp := &DebugState{
		hooks: make(map[string]func() any),
	}
	dp.Register("platform.os", func() any { return runtime.GOOS })
	dp.Register("platform.cpus", func() any { return runtime.NumCPU() })
	dp.Register("runtime.goroutines", func() any { return runtime.NumGoroutine() })
	return dp
}

// Register inserts a named debug hook, replacing one with the same name.
func (dp *DebugState) Register(name string, fn func() any) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.hooks[name] = fn
}

// Names returns the registered hook names, sorted.
func (dp *DebugState) Names() []string {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	names := make([]string, 0, len(dp.hooks))
	for k := range dp.hooks {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// DumpState returns output of all hooks.
func (dp *DebugState) DumpState() map[string]any {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	out := make(map[string]any, len(dp.hooks))
	for k, fn := range dp.hooks {
		out[k] = fn()
	}
	return out
}

// ServeHTTP writes DumpState as JSON.
func (dp *DebugState) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(dp.DumpState()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
