// Package rabbitmq consumes the notification and chat queues.
//
// The Consumer owns one broker connection and one channel. Each queue gets its
// own goroutine, so messages of a queue are handled in broker order while the
// queues progress independently. A delivery is acknowledged only after the
// handler returns nil and is requeued otherwise.
//
// Connecting follows two retry policies: a bounded startup policy before the
// first successful connection, then an unbounded steady-state policy for
// every reconnect after the connection is lost.
package rabbitmq
