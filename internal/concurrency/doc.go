// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Concurrency primitives for the connection engine: the bounded task queue
// that carries sessions off the reactor goroutine, and the fixed worker
// pool that consumes it.
package concurrency
