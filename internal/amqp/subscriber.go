package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/chanmq/chanmq-go/channels"
	"github.com/chanmq/chanmq-go/serialization"
)

// defaultDeadLetterQueue is used when dead-lettering is enabled without
// an explicit queue name, at channel or adapter level.
const defaultDeadLetterQueue = "dead_letter"

// subscription is the live binding between a channel and the broker's
// consumer handle. One per subscribed channel, destroyed on unsubscribe.
type subscription struct {
	def         *channels.Definition
	consumerTag string
	ctx         context.Context
	cancel      context.CancelFunc
}

// Subscriber registers channel consumers on the shared protocol channel
// and drives the per-message processing state machine:
//
//	received -> processing -> {acked, dead-lettered, dropped, requeued}
type Subscriber struct {
	cm         *ConnectionManager
	tracker    *channels.ActiveTracker
	serializer serialization.Serializer
	stats      channels.Stats
	logger     *slog.Logger
	asserted   *ExchangeSet

	defaultDeadLetter channels.DeadLetterConfig
	drainInterval     time.Duration

	mu    sync.Mutex
	subs  map[string]*subscription
	order []string

	// publish is the dead-letter send and register the consumer start,
	// split out so the state machine and the reconnect replay are
	// testable without a broker.
	publish  func(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error
	register func(sub *subscription) error
}

// SubscriberOption configures the Subscriber.
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger.
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// WithSubscriberStats sets the metrics sink.
func WithSubscriberStats(stats channels.Stats) SubscriberOption {
	return func(s *Subscriber) {
		s.stats = stats
	}
}

// WithDefaultDeadLetter sets adapter-level dead-letter defaults merged
// into every channel definition at subscribe time.
func WithDefaultDeadLetter(cfg channels.DeadLetterConfig) SubscriberOption {
	return func(s *Subscriber) {
		s.defaultDeadLetter = cfg
	}
}

// WithSubscriberDrainInterval overrides the unsubscribe drain poll
// interval.
func WithSubscriberDrainInterval(interval time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		s.drainInterval = interval
	}
}

// NewSubscriber creates a subscriber over the shared connection.
func NewSubscriber(cm *ConnectionManager, tracker *channels.ActiveTracker, serializer serialization.Serializer, asserted *ExchangeSet, options ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		cm:            cm,
		tracker:       tracker,
		serializer:    serializer,
		asserted:      asserted,
		stats:         channels.NopStats{},
		logger:        slog.Default(),
		drainInterval: defaultDrainInterval,
		subs:          make(map[string]*subscription),
	}

	for _, opt := range options {
		opt(s)
	}

	s.publish = func(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error {
		ch, err := cm.Channel()
		if err != nil {
			return err
		}
		return ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	}
	s.register = s.consume

	return s
}

// Subscribe declares the channel topology and registers the consumer
// callback on the main queue. Failures propagate to the caller;
// partially created topology is left for the broker's idempotent
// redeclare on the next attempt.
func (s *Subscriber) Subscribe(ctx context.Context, def *channels.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	s.resolveDeadLetter(def)

	sub := &subscription{def: def}
	sub.ctx, sub.cancel = context.WithCancel(ctx)

	// Reserve the id before consuming so a concurrent Subscribe for the
	// same channel cannot race past the duplicate check and orphan a
	// live consumer.
	s.mu.Lock()
	if _, exists := s.subs[def.ID()]; exists {
		s.mu.Unlock()
		sub.cancel()
		return fmt.Errorf("channel %s is already subscribed", def.ID())
	}
	s.subs[def.ID()] = sub
	s.order = append(s.order, def.ID())
	s.mu.Unlock()

	if err := s.register(sub); err != nil {
		sub.cancel()
		s.remove(def.ID())
		return err
	}

	s.logger.Info("subscribed to channel",
		"channel", def.Name,
		"group", def.Group,
		"queue", def.ID(),
		"maxRetries", def.MaxRetries,
		"deadLetter", def.DeadLetter.Enabled)

	return nil
}

// consume declares topology and starts the delivery pump. It is the
// shared path of Subscribe and resubscription after reconnect.
func (s *Subscriber) consume(sub *subscription) error {
	def := sub.def

	ch, err := s.cm.Channel()
	if err != nil {
		return err
	}

	if err := declareChannelTopology(ch, def, s.asserted, s.logger); err != nil {
		s.logger.Error("channel topology declaration failed",
			"channel", def.Name,
			"error", err)
		return err
	}

	tag := "chanmq-" + uuid.NewString()
	deliveries, err := ch.Consume(def.ID(), tag, false, false, false, false, toTable(def.ConsumeArgs))
	if err != nil {
		return &ConsumerError{Channel: def.Name, ConsumerTag: tag, Op: "consume", Err: err}
	}

	sub.consumerTag = tag
	go s.pump(sub, deliveries)
	return nil
}

// pump fans deliveries out to handler goroutines. Concurrency is bounded
// by the connection prefetch, not here. The pump ends when the delivery
// channel closes (cancel, connection loss, or shutdown).
func (s *Subscriber) pump(sub *subscription, deliveries <-chan amqp091.Delivery) {
	for d := range deliveries {
		go s.handleDelivery(sub, d)
	}
	s.logger.Debug("delivery stream closed",
		"channel", sub.def.Name,
		"consumerTag", sub.consumerTag)
}

// handleDelivery runs the processing state machine for one message.
func (s *Subscriber) handleDelivery(sub *subscription, d amqp091.Delivery) {
	def := sub.def

	// Mid-unsubscribe deliveries are left unacked; the broker requeues
	// them when the consumer cancel completes.
	if def.Unsubscribing() {
		return
	}

	id := d.CorrelationId
	if id == "" {
		id = fmt.Sprintf("%s.%d", d.ConsumerTag, d.DeliveryTag)
	}

	channelID := def.ID()
	s.tracker.Add(channelID, id)
	s.stats.MessageReceived(def.Name)
	s.stats.IncActive(def.Name)

	msg := &channels.Message{
		ID:            id,
		Channel:       def.Name,
		Group:         def.Group,
		Body:          d.Body,
		Headers:       fromTable(d.Headers),
		CorrelationID: d.CorrelationId,
		Redeliveries:  deathCount(d.Headers),
	}

	start := time.Now()
	err := s.process(sub.ctx, def, msg, d)
	s.stats.ObserveProcessing(def.Name, time.Since(start))
	s.stats.DecActive(def.Name)

	if err == nil {
		s.tracker.Remove(channelID, id)
		if ackErr := d.Ack(false); ackErr != nil {
			s.logger.Error("failed to ack message", "channel", def.Name, "error", ackErr)
		}
		return
	}

	s.stats.Error(def.Name)

	switch {
	case channels.IsPermanent(err):
		// Non-retryable errors bypass the retry path even when retries
		// remain; redelivery cannot make them succeed.
		s.tracker.Remove(channelID, id)
		s.logger.Error("message failed permanently",
			"channel", def.Name,
			"messageId", id,
			"error", err)
		s.finalize(sub.ctx, def, d, err)

	case def.MaxRetries <= 0:
		s.tracker.Remove(channelID, id)
		s.logger.Error("message failed and channel has no retry configured",
			"channel", def.Name,
			"messageId", id,
			"error", err)
		s.finalize(sub.ctx, def, d, err)

	default:
		redeliveries := deathCount(d.Headers) + 1
		if redeliveries >= def.MaxRetries {
			s.tracker.Remove(channelID, id)
			s.logger.Warn("retry budget exhausted",
				"channel", def.Name,
				"messageId", id,
				"redeliveries", redeliveries,
				"maxRetries", def.MaxRetries,
				"error", err)
			s.finalize(sub.ctx, def, d, err)
			return
		}

		// Reject without requeue-to-origin: the main queue's dead-letter
		// target reroutes the message into the TTL retry queue.
		s.tracker.Remove(channelID, id)
		if nackErr := d.Nack(false, false); nackErr != nil {
			s.logger.Error("failed to nack message for retry",
				"channel", def.Name,
				"error", nackErr)
			return
		}
		s.stats.Retry(def.Name)
		s.logger.Debug("message rerouted for retry",
			"channel", def.Name,
			"messageId", id,
			"redeliveries", redeliveries)
	}
}

// process decodes the payload and invokes the channel handler, turning
// panics and decode failures into errors. Decode failures are permanent:
// a malformed payload cannot succeed on redelivery.
func (s *Subscriber) process(ctx context.Context, def *channels.Definition, msg *channels.Message, d amqp091.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if !def.RawPayload {
		var payload any
		if derr := s.serializer.Unmarshal(d.Body, &payload); derr != nil {
			return channels.Permanent(fmt.Errorf("failed to decode payload: %w", derr))
		}
		msg.Payload = payload
	}

	return def.Handler(ctx, msg)
}

// finalize terminally disposes a failed message: dead-letter when the
// channel has it enabled, otherwise acknowledge-and-drop so the broker
// never redelivers.
func (s *Subscriber) finalize(ctx context.Context, def *channels.Definition, d amqp091.Delivery, cause error) {
	if def.DeadLetter.Enabled {
		s.deadLetter(ctx, def, d, cause)
		return
	}

	if err := d.Ack(false); err != nil {
		s.logger.Error("failed to ack dropped message", "channel", def.Name, "error", err)
	}
}

// deadLetter publishes the original body unchanged to the dead-letter
// exchange (or directly to the queue when no exchange is configured)
// with provenance headers, then acknowledges the original.
func (s *Subscriber) deadLetter(ctx context.Context, def *channels.Definition, d amqp091.Delivery, cause error) {
	headers := provenanceHeaders(d.Headers, def.Name, def.Group, cause.Error())

	exchange, routingKey := "", def.DeadLetter.QueueName
	if def.DeadLetter.ExchangeName != "" {
		exchange, routingKey = def.DeadLetter.ExchangeName, ""
	}

	msg := amqp091.Publishing{
		ContentType:   d.ContentType,
		CorrelationId: d.CorrelationId,
		Body:          d.Body,
		Headers:       headers,
		DeliveryMode:  amqp091.Persistent,
		Timestamp:     time.Now(),
	}

	if err := s.publish(ctx, exchange, routingKey, msg); err != nil {
		// Leave the message unacked; the broker redelivers it after the
		// connection recovers and dead-lettering is retried then.
		s.logger.Error("failed to publish to dead-letter queue",
			"channel", def.Name,
			"queue", def.DeadLetter.QueueName,
			"error", err)
		return
	}

	if err := d.Ack(false); err != nil {
		s.logger.Error("failed to ack dead-lettered message", "channel", def.Name, "error", err)
	}
	s.stats.DeadLettered(def.Name)
}

// Unsubscribe cancels the channel's consumer and finalizes once every
// in-flight message has drained, polling at the drain interval. It is
// idempotent, guarded by the definition's unsubscribing flag.
func (s *Subscriber) Unsubscribe(ctx context.Context, channelID string) error {
	s.mu.Lock()
	sub, ok := s.subs[channelID]
	s.mu.Unlock()
	if !ok {
		return channels.ErrUnknownChannel
	}

	if !sub.def.BeginUnsubscribe() {
		return nil
	}

	if ch, err := s.cm.Channel(); err == nil {
		if err := ch.Cancel(sub.consumerTag, false); err != nil {
			s.logger.Error("failed to cancel consumer",
				"channel", sub.def.Name,
				"consumerTag", sub.consumerTag,
				"error", err)
		}
	}

	for s.tracker.Count(channelID) > 0 {
		s.logger.Debug("waiting for in-flight messages before unsubscribe",
			"channel", sub.def.Name,
			"count", s.tracker.Count(channelID))
		select {
		case <-time.After(s.drainInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	sub.cancel()
	s.tracker.Forget(channelID)
	s.remove(channelID)

	s.logger.Info("unsubscribed from channel", "channel", sub.def.Name, "queue", channelID)
	return nil
}

// remove drops the subscription record and its slot in the replay order.
func (s *Subscriber) remove(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, channelID)
	for i, id := range s.order {
		if id == channelID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// ResubscribeAll replays topology declaration and consume registration
// for every known channel, in subscription order. Used after reconnect;
// per-channel failures are logged and do not block the rest.
func (s *Subscriber) ResubscribeAll(ctx context.Context) {
	s.mu.Lock()
	ordered := make([]*subscription, 0, len(s.order))
	for _, id := range s.order {
		ordered = append(ordered, s.subs[id])
	}
	s.mu.Unlock()

	for _, sub := range ordered {
		if sub.def.Unsubscribing() {
			continue
		}
		if err := s.register(sub); err != nil {
			s.logger.Error("failed to resubscribe channel",
				"channel", sub.def.Name,
				"error", err)
			continue
		}
		s.logger.Info("resubscribed to channel", "channel", sub.def.Name, "queue", sub.def.ID())
	}
}

// Subscriptions returns the ids of the currently subscribed channels in
// subscription order.
func (s *Subscriber) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.order...)
}

// resolveDeadLetter merges the adapter-level dead-letter defaults into
// the definition, once, at subscribe time.
func (s *Subscriber) resolveDeadLetter(def *channels.Definition) {
	if !def.DeadLetter.Enabled && s.defaultDeadLetter.Enabled {
		def.DeadLetter.Enabled = true
	}
	if !def.DeadLetter.Enabled {
		return
	}
	if def.DeadLetter.QueueName == "" {
		def.DeadLetter.QueueName = s.defaultDeadLetter.QueueName
	}
	if def.DeadLetter.QueueName == "" {
		def.DeadLetter.QueueName = defaultDeadLetterQueue
	}
	if def.DeadLetter.ExchangeName == "" {
		def.DeadLetter.ExchangeName = s.defaultDeadLetter.ExchangeName
	}
}
