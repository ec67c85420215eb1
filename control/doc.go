// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, runtime metrics and debug introspection for the server.
//
// Provides:
//   - Options bound to command-line flags plus an optional YAML file,
//     completed and validated into an immutable Config snapshot
//   - Metrics on a caller-supplied prometheus.Registerer
//   - DebugState, a named state dump served next to the metrics
package control
