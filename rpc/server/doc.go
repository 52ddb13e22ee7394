// Package server implements the receive side of the transport. A Server accepts
// tcp connections, reads framed messages into the shared slot queues and
// dispatches them to handlers registered per message type.
//
// Every role runs as its own goroutine with its own event loop and talks to the
// other roles only through best-effort command datagrams and the queues:
//
//	tcp --> listener --ADD_SOCKET--> receiver --slot--> queue --PROCESS_QUEUE--> worker --> HandleFunc
//
// Key Components:
//
//   - listener: Accepts connections, applies the socket options and hands every
//     descriptor to a receive role chosen round-robin. It also answers the
//     config and statistics queries of management tools.
//
//   - receiver: Owns a set of connections in an epoll loop. Application
//     messages are read straight into a slot of a randomly chosen queue; when
//     all attempts fail the message is read into a scratch buffer and counted
//     as dropped. System messages (keepalive, link info) are handled inline.
//     Idle connections are closed after IdleTimeout.
//
//   - worker: Owns QueuesPerWorker queues. It drains them on PROCESS_QUEUE
//     commands and sweeps all of them after every silent ScanTimeout, so a
//     lost command delays messages by at most one scan interval.
//
//   - Stats / WritePrometheus: Counters of every role, aggregated or exported
//     through a private VictoriaMetrics set.
//
// Usage Example:
//
//	srv, err := server.New(common.ServerConfig{Name: "orders", Port: 7000})
//	if err != nil {
//	  log.Fatal(err)
//	}
//	_ = srv.Register(42, func(t uint16, payload []byte, _ any) error {
//	  fmt.Printf("type %d: %d bytes\n", t, len(payload))
//	  return nil
//	}, nil)
//	if err := srv.Startup(); err != nil {
//	  log.Fatal(err)
//	}
//	defer srv.Destroy()
//
// Handlers run concurrently on all workers and must not keep payload after
// they return. Messages of unregistered types are consumed and ignored.
package server
