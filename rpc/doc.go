// Package rpc contains the message transport: the receive side that accepts
// tcp connections and feeds a bounded set of shared queues, the send side that
// queues messages locally and moves them over self healing connections, and
// the pieces both sides share.
//
// The package is organized into several subpackages:
//
//   - common: Wire header and system message types, configuration structures
//     and logging.
//
//   - command: The local, unreliable control channel between the roles of one
//     process (unix datagram sockets).
//
//   - transport: Event loop building blocks. netpoll wraps epoll, tcp the raw
//     socket calls and base the per connection protocol state machine.
//
//   - server: The receive service with its listener, receive and worker roles.
//
//   - client: The send service with its send roles and the producer api.
package rpc
