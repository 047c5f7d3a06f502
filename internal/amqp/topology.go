package amqp

import (
	"log/slog"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/chanmq/chanmq-go/channels"
)

const (
	queueTypeArg       = "x-queue-type"
	queueTypeQuorum    = "quorum"
	deadLetterExchange = "x-dead-letter-exchange"
	deadLetterRouting  = "x-dead-letter-routing-key"
	messageTTL         = "x-message-ttl"
)

// declareChannelTopology declares the main exchange/queue pair for a
// channel and, when retries or dead-lettering are configured, the retry
// and dead-letter topology around it. Declares are idempotent on the
// broker, so re-running after reconnect recreates identical topology and
// partial failures are left in place for the next attempt. Exchange
// declares and binds are fired without waiting; queue declares block
// because the consume registration depends on them.
func declareChannelTopology(ch *amqp091.Channel, def *channels.Definition, asserted *ExchangeSet, logger *slog.Logger) error {
	queueName := def.ID()

	if def.DeadLetter.Enabled {
		if _, err := ch.QueueDeclare(def.DeadLetter.QueueName, true, false, false, false, nil); err != nil {
			return &TopologyError{Component: "queue", Name: def.DeadLetter.QueueName, Op: "declare", Err: err}
		}
		if dlx := def.DeadLetter.ExchangeName; dlx != "" {
			if err := ch.ExchangeDeclare(dlx, amqp091.ExchangeFanout, true, false, false, true, nil); err != nil {
				return &TopologyError{Component: "exchange", Name: dlx, Op: "declare", Err: err}
			}
			asserted.add(dlx)
			if err := ch.QueueBind(def.DeadLetter.QueueName, "", dlx, true, nil); err != nil {
				return &TopologyError{Component: "binding", Name: def.DeadLetter.QueueName, Op: "bind", Err: err}
			}
		}
	}

	if err := ch.ExchangeDeclare(def.Name, amqp091.ExchangeFanout, true, false, false, true, nil); err != nil {
		return &TopologyError{Component: "exchange", Name: def.Name, Op: "declare", Err: err}
	}

	args := amqp091.Table{}
	for k, v := range def.QueueArgs {
		args[k] = v
	}
	if requested, ok := args[queueTypeArg]; ok && requested != queueTypeQuorum {
		logger.Warn("overriding queue type, only quorum queues are supported",
			"queue", queueName,
			"requested", requested)
	}
	args[queueTypeArg] = queueTypeQuorum

	retryName := def.RetryQueueName()
	if def.MaxRetries > 0 {
		// Rejected messages reenter via the retry queue, not the origin.
		args[deadLetterExchange] = retryName
		args[deadLetterRouting] = retryName
	}

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, args); err != nil {
		return &TopologyError{Component: "queue", Name: queueName, Op: "declare", Err: err}
	}
	if err := ch.QueueBind(queueName, "", def.Name, true, nil); err != nil {
		return &TopologyError{Component: "binding", Name: queueName, Op: "bind", Err: err}
	}

	if def.MaxRetries > 0 {
		if err := ch.ExchangeDeclare(retryName, amqp091.ExchangeDirect, true, false, false, true, nil); err != nil {
			return &TopologyError{Component: "exchange", Name: retryName, Op: "declare", Err: err}
		}

		// The retry queue holds messages for RetryInterval and then
		// dead-letters them back into the primary exchange, which
		// redelivers to the main queue.
		retryArgs := amqp091.Table{
			messageTTL:         def.RetryInterval.Milliseconds(),
			deadLetterExchange: def.Name,
			deadLetterRouting:  "",
		}
		if _, err := ch.QueueDeclare(retryName, true, false, false, false, retryArgs); err != nil {
			return &TopologyError{Component: "queue", Name: retryName, Op: "declare", Err: err}
		}
		if err := ch.QueueBind(retryName, retryName, retryName, true, nil); err != nil {
			return &TopologyError{Component: "binding", Name: retryName, Op: "bind", Err: err}
		}
	}

	return nil
}
