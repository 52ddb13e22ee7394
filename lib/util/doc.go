// Package util provides small concurrency and statistics helpers used by the
// transport roles.
//
// Key Components:
//
//   - DirectList: Lock-free multi-producer single-consumer FIFO, drained from
//     inside an event loop without blocking (used for the direct-message list
//     of the send role).
//
//   - Balancer: Load-balancing strategy behind a two method interface, with a
//     concurrent RoundRobin and a per-goroutine uniform Random implementation.
//
//   - SizeHistogram / LoadStats: Lock-free size distribution tracking and
//     balance metrics for the statistics reported by the services.
package util
