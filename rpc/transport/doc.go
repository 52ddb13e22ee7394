// Package transport groups the building blocks of the role event loops.
//
// Every role of the server and client packages is one goroutine running a loop
// over a netpoll.Poller. The loop owns its sockets (opened and configured by the
// tcp package) and drives each connection through a base.Conn, which frames and
// validates messages without ever blocking.
//
// Subpackages:
//
//   - netpoll: Level-triggered epoll wrapper.
//   - tcp: Non-blocking listen, accept, connect, read and write on raw descriptors.
//   - base: Connection state machine, connection registry and reconnect backoff.
package transport
