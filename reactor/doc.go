// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the single-threaded, edge-triggered readiness
// reactor the connection engine runs on. On Linux it wraps epoll; every
// registered descriptor is tagged with a Token that decides which Handler
// callback receives its events.
package reactor
