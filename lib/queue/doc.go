// Package queue implements the bounded slot queue that decouples the pipeline
// stages of the transport.
//
// A Queue owns a fixed number of fixed-size slots that are allocated once and
// then cycle through four states for the lifetime of the queue:
//
//	free -> allocated -> pushed -> popped -> free
//	          |                              ^
//	          +------------ release ---------+
//
// A producer allocates a slot (fails fast with ErrFull, never blocks), writes
// header and payload into Slot.Bytes and pushes it. A consumer pops the oldest
// pushed slot and must release it after use. Push and pop are FIFO per queue
// and a popped slot is never handed to a second consumer.
//
// All methods are safe for concurrent use by any number of producers and
// consumers.
package queue
