package amqp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorTypes(t *testing.T) {
	cause := errors.New("connection reset")

	t.Run("TopologyError names the failing component", func(t *testing.T) {
		err := &TopologyError{Component: "queue", Name: "billing.orders", Op: "declare", Err: cause}

		assert.Contains(t, err.Error(), "queue")
		assert.Contains(t, err.Error(), "billing.orders")
		assert.ErrorIs(t, err, cause)
	})

	t.Run("PublishError carries the destination", func(t *testing.T) {
		err := &PublishError{Exchange: "orders", RoutingKey: "high", Err: cause}

		assert.Contains(t, err.Error(), "orders")
		assert.ErrorIs(t, err, cause)
	})

	t.Run("ConsumerError carries the consumer tag", func(t *testing.T) {
		err := &ConsumerError{Channel: "orders", ConsumerTag: "chanmq-1", Op: "consume", Err: cause}

		assert.Contains(t, err.Error(), "chanmq-1")
		assert.ErrorIs(t, err, cause)
	})
}
