// Package amqp implements the chanmq broker adapter on top of RabbitMQ.
//
// This package includes:
//   - ConnectionManager: One shared connection and protocol channel with
//     endpoint round-robin, indefinite reconnection, and drain-based close
//   - Topology declaration for main, retry, and dead-letter queues
//   - Subscriber: The per-message processing state machine deciding
//     between acknowledgement, retry, dead-lettering, and drop
//   - Publisher: Backpressure-aware publishing with one-time exchange
//     assertion
//
// All declare, consume, publish, ack, and nack calls route through the
// single shared channel; the client library serializes them. The
// adapter's own maps (subscriptions, in-flight sets, asserted exchanges)
// carry their own synchronization because delivery callbacks and publish
// calls run concurrently.
package amqp
