package amqp

import (
	"fmt"
)

// TopologyError reports a failed declare or bind. Partially created
// topology is not rolled back; broker-side declares are idempotent and
// retried wholesale on resubscribe.
type TopologyError struct {
	Component string // exchange, queue, binding, consume
	Name      string
	Op        string
	Err       error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("chanmq topology error: failed to %s %s %q: %v", e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// PublishError reports a failed publish.
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("chanmq publish error: failed to publish to %s/%s: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError reports a failed subscribe, cancel, or acknowledgement.
type ConsumerError struct {
	Channel     string
	ConsumerTag string
	Op          string
	Err         error
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("chanmq consumer error: %s failed for channel %s (tag %s): %v", e.Op, e.Channel, e.ConsumerTag, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}
