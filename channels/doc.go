// Package channels defines the public surface of the chanmq adapter.
//
// This package includes:
//   - Definition: A named channel with an optional consumer group, retry
//     budget, and dead-letter configuration
//   - Message: The unit of delivery handed to channel handlers
//   - ActiveTracker: Per-channel accounting of in-flight messages, used to
//     detect quiescence during unsubscribe and disconnect
//   - Stats: Metrics hooks with Prometheus and no-op implementations
//   - Permanent: Marking of processing errors that must never be retried
//
// The AMQP-specific machinery that gives these types their behavior lives
// in internal/amqp and is driven through the root chanmq.Client facade.
package channels
