// Package command implements the local control protocol between the roles of
// one process (listener, receive roles, workers, send roles and producers).
//
// Commands are fixed-size (128 byte) datagrams sent over unix datagram
// sockets. Every role instance binds an address derived from the service
// name, its role and its index (see Address), so any goroutine can reach any
// other role without a registry lookup.
//
// The channel is deliberately unreliable: Send never blocks and a full or
// missing peer simply loses the command. Every consumer of a notification
// therefore also runs a periodic sweep that does the notified work anyway.
//
// Key Components:
//
//   - Command: Type plus the arguments of ADD_SOCKET, PROCESS_QUEUE, SEND_NOW,
//     SEND_ALL and the QUERY_* request/reply pairs, with a big-endian encoding.
//
//   - Channel: A bound, non-blocking datagram socket whose descriptor can be
//     registered with the event loop poller of its owner.
package command
