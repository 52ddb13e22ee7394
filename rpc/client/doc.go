// Package client implements the send side of the transport.
//
// A Client runs SendThreads send roles. Each role owns one shared queue and one
// outbound tcp connection to the configured endpoint. Producers enqueue
// messages with Send from any goroutine; the call only copies the payload into
// a queue slot and never waits for the network.
//
// Key Components:
//
//   - Client.Send: Validates type and size before touching any queue, picks a
//     send role round-robin and pushes the framed message. A full queue fails
//     fast with ErrQueueFull and asks the role to send everything it has.
//
//   - sender: The send role loop. It connects with exponential backoff,
//     announces the link with a LINK_INFO frame, drains its direct list of
//     control frames before the queue and probes idle links with keepalive
//     requests. A link whose probe stays unanswered for one interval is torn
//     down and reconnected. Queued messages survive a reconnect, the frame
//     that was in flight is counted as dropped.
//
// Usage Example:
//
//	cli, err := client.New(common.ClientConfig{Name: "orders-out", Endpoint: "10.0.0.5:7000"})
//	if err != nil {
//	  log.Fatal(err)
//	}
//	if err := cli.Startup(); err != nil {
//	  log.Fatal(err)
//	}
//	defer cli.Destroy()
//
//	if err := cli.Send(42, payload); errors.Is(err, client.ErrQueueFull) {
//	  // back off or drop
//	}
//
// Delivery is at most once. Messages are ordered per send role but not across
// roles.
package client
