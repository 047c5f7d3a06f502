package channels

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Handler processes a single delivery for a channel. Returning nil
// acknowledges the message. Returning an error wrapped with Permanent
// routes the message straight to the dead-letter queue (or drops it);
// any other error is retried up to the channel's MaxRetries.
type Handler func(ctx context.Context, msg *Message) error

// Message is a single delivery handed to a Handler.
type Message struct {
	// ID identifies the message while it is in flight. It is the
	// correlation id when the publisher set one, otherwise a synthetic
	// id derived from the consumer tag and delivery tag.
	ID string

	// Channel and Group name the channel the message arrived on.
	Channel string
	Group   string

	// Body is the raw payload exactly as it was published.
	Body []byte

	// Payload is the body decoded by the adapter's serializer. It is nil
	// when the channel was subscribed with RawPayload.
	Payload any

	// Headers carries the message headers as received from the broker.
	Headers map[string]any

	// CorrelationID is the broker-level correlation id, if any.
	CorrelationID string

	// Redeliveries is the number of times the message has already been
	// through the retry topology, read from the broker's death history.
	Redeliveries int
}

// DeadLetterConfig controls dead-letter routing for a channel.
// QueueName and ExchangeName are resolved once at subscribe time; when
// ExchangeName is empty, dead-lettered messages are published directly
// to QueueName via the default exchange.
type DeadLetterConfig struct {
	Enabled      bool
	QueueName    string
	ExchangeName string
}

// Definition describes a channel before it is subscribed. Name and Group
// determine the channel identity and the underlying queue name; the rest
// configures processing behavior. A Definition must not be mutated after
// it has been passed to Subscribe.
type Definition struct {
	// Name is the logical channel name. It is also the name of the
	// fan-out exchange messages are published to.
	Name string

	// Group is the consumer group. Each group gets its own queue bound
	// to the channel exchange.
	Group string

	// Handler is invoked for every delivery.
	Handler Handler

	// MaxRetries bounds how many times a retryably failing message is
	// redelivered before it is dead-lettered or dropped. Zero disables
	// the retry topology entirely.
	MaxRetries int

	// RetryInterval is the delay before a failed message is redelivered,
	// implemented as the TTL of the retry queue. Zero means immediate
	// redelivery.
	RetryInterval time.Duration

	// DeadLetter configures dead-letter routing. The zero value disables
	// it.
	DeadLetter DeadLetterConfig

	// RawPayload skips deserialization; handlers receive only Body.
	RawPayload bool

	// QueueArgs are extra arguments merged into the main queue declare.
	// The queue type argument is always forced to quorum.
	QueueArgs map[string]any

	// ConsumeArgs are extra arguments passed to the consume call.
	ConsumeArgs map[string]any

	unsubscribing atomic.Bool
}

// ID returns the channel identity, which is also the queue name:
// "group.name" when a group is set, otherwise the bare name.
func (d *Definition) ID() string {
	if d.Group != "" {
		return fmt.Sprintf("%s.%s", d.Group, d.Name)
	}
	return d.Name
}

// RetryQueueName returns the name of the TTL-delayed retry queue and the
// direct exchange in front of it.
func (d *Definition) RetryQueueName() string {
	return d.ID() + ".retry"
}

// Validate checks that the definition can be subscribed.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("channel name is required")
	}
	if d.Handler == nil {
		return fmt.Errorf("channel %s: handler is required", d.Name)
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("channel %s: maxRetries must not be negative", d.Name)
	}
	return nil
}

// BeginUnsubscribe flips the channel into the unsubscribing state.
// It reports false if the channel was already unsubscribing, making
// unsubscribe idempotent.
func (d *Definition) BeginUnsubscribe() bool {
	return d.unsubscribing.CompareAndSwap(false, true)
}

// Unsubscribing reports whether an unsubscribe is in progress. Messages
// received in this state are ignored and left to the broker's
// requeue-on-cancel semantics.
func (d *Definition) Unsubscribing() bool {
	return d.unsubscribing.Load()
}
