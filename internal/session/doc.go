// Package session
// Author: momentics <momentics@gmail.com>
//
// Per-client session state shared between the reactor and the workers.
// A Session owns the control Connection and an optional active-mode data
// Connection. Workers run the protocol one step at a time under the
// session guard; the reactor owns teardown.
//
// ChannelMap correlates control and data descriptors so readiness on a
// data socket is routed to the session that opened it.

package session
