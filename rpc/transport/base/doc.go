// Package base provides the protocol machinery shared by the receive and the
// send side of the transport, independent of the role that owns a connection.
//
// Key Components:
//
//   - Conn: One non-blocking connection with a receive state machine
//     (INIT -> HEADER -> BODY -> POST) that survives arbitrary partial reads,
//     and a write side that drains an outbound list plus an optional Source
//     with a stored offset, stopping at the first short write.
//
//   - ReadHandler: Implemented by the owning role. Begin picks the buffer of
//     a message once its header arrived (a queue slot or a scratch buffer),
//     Complete receives the validated message and Abort returns the buffer of a
//     message that will never complete.
//
//   - Registry: Slice-backed connection set with generation-checked handles,
//     O(1) add/remove through a free list and idempotent removal.
//
//   - Backoff: Exponential reconnect delay with clamp, reset and jitter.
//
// Thread Safety:
//
//	Nothing in this package is safe for concurrent use. A connection and the
//	registry holding it are owned by exactly one event loop goroutine.
package base
