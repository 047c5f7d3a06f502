package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"

	"github.com/chanmq/chanmq-go/channels"
	"github.com/chanmq/chanmq-go/serialization"
)

// ExchangeSet tracks exchanges already asserted during this connection's
// lifetime so the publish fast path declares each at most once. Cleared
// on disconnect and on connection loss.
type ExchangeSet struct {
	mu    sync.Mutex
	names map[string]struct{}
}

func NewExchangeSet() *ExchangeSet {
	return &ExchangeSet{names: make(map[string]struct{})}
}

func (s *ExchangeSet) add(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[name] = struct{}{}
}

func (s *ExchangeSet) has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.names[name]
	return ok
}

func (s *ExchangeSet) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = make(map[string]struct{})
}

// Publisher is the backpressure-aware publish path over the shared
// protocol channel.
type Publisher struct {
	cm         *ConnectionManager
	serializer serialization.Serializer
	stats      channels.Stats
	logger     *slog.Logger
	asserted   *ExchangeSet
	defaults   channels.PublishOptions
	breaker    *gobreaker.CircuitBreaker

	// send is the wire write, split out so the publish pipeline is
	// testable without a broker.
	send func(ctx context.Context, ch *amqp091.Channel, exchange, routingKey string, msg amqp091.Publishing) error
}

// PublisherOption configures the Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = logger }
}

// WithPublisherStats sets the metrics sink.
func WithPublisherStats(stats channels.Stats) PublisherOption {
	return func(p *Publisher) { p.stats = stats }
}

// WithPublishDefaults overrides the adapter-level publish defaults.
func WithPublishDefaults(defaults channels.PublishOptions) PublisherOption {
	return func(p *Publisher) {
		if defaults.Timeout == 0 {
			defaults.Timeout = channels.DefaultPublishTimeout
		}
		p.defaults = defaults
	}
}

// WithCircuitBreaker wraps every send in a circuit breaker so a broker
// that keeps failing publishes fails fast instead of burning the full
// timeout per call.
func WithCircuitBreaker(settings gobreaker.Settings) PublisherOption {
	return func(p *Publisher) {
		p.breaker = gobreaker.NewCircuitBreaker(settings)
	}
}

// NewPublisher creates a publisher over the shared connection. The
// asserted set is shared with the subscriber's topology builder and is
// cleared whenever the connection goes away.
func NewPublisher(cm *ConnectionManager, serializer serialization.Serializer, asserted *ExchangeSet, options ...PublisherOption) *Publisher {
	p := &Publisher{
		cm:         cm,
		serializer: serializer,
		asserted:   asserted,
		stats:      channels.NopStats{},
		logger:     slog.Default(),
		defaults: channels.PublishOptions{
			Persistent: true,
			Timeout:    channels.DefaultPublishTimeout,
		},
	}

	for _, opt := range options {
		opt(p)
	}

	p.send = func(ctx context.Context, ch *amqp091.Channel, exchange, routingKey string, msg amqp091.Publishing) error {
		return ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	}

	cm.OnTeardown(asserted.clear)
	return p
}

// Publish sends a payload to the named channel's exchange. It is a
// no-op while the adapter is mid-disconnect and fails with the transient
// channels.ErrNotConnected while the connection is down. A saturated
// outbound path is polled until writeable or until the message timeout,
// then the publish fails with channels.ErrWriteBufferFull.
func (p *Publisher) Publish(ctx context.Context, channel string, payload any, options ...channels.PublishOption) error {
	if p.cm.Stopping() {
		p.logger.Debug("publish skipped, adapter is disconnecting", "channel", channel)
		return nil
	}

	opts := p.defaults
	for _, opt := range options {
		opt(&opts)
	}

	ch, err := p.cm.Channel()
	if err != nil {
		return err
	}

	var body []byte
	if opts.Raw {
		raw, ok := payload.([]byte)
		if !ok {
			return fmt.Errorf("raw publish expects []byte payload, got %T", payload)
		}
		body = raw
	} else {
		body, err = p.serializer.Marshal(payload)
		if err != nil {
			return err
		}
	}

	if opts.AssertExchange && !p.asserted.has(channel) {
		if err := ch.ExchangeDeclare(channel, amqp091.ExchangeFanout, true, false, false, false, nil); err != nil {
			return &TopologyError{Component: "exchange", Name: channel, Op: "declare", Err: err}
		}
		p.asserted.add(channel)
	}

	// One deadline covers both the write-ready wait and the send, so a
	// publish never takes more than a single timeout end to end.
	deadline := time.Now().Add(opts.Timeout)
	if err := p.cm.WaitWriteReady(ctx, opts.Timeout); err != nil {
		return err
	}

	msg := amqp091.Publishing{
		ContentType:   p.serializer.ContentType(),
		CorrelationId: opts.CorrelationID,
		Priority:      opts.Priority,
		Body:          body,
		Headers:       toTable(opts.Headers),
		Timestamp:     time.Now(),
		DeliveryMode:  amqp091.Transient,
	}
	if opts.Raw {
		msg.ContentType = "application/octet-stream"
	}
	if opts.Persistent {
		msg.DeliveryMode = amqp091.Persistent
	}
	if opts.TTL > 0 {
		msg.Expiration = strconv.FormatInt(opts.TTL.Milliseconds(), 10)
	}
	if opts.Group != "" {
		if msg.Headers == nil {
			msg.Headers = amqp091.Table{}
		}
		msg.Headers[HeaderGroup] = opts.Group
	}

	sendCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if p.breaker != nil {
		_, err = p.breaker.Execute(func() (any, error) {
			return nil, p.send(sendCtx, ch, channel, opts.RoutingKey, msg)
		})
	} else {
		err = p.send(sendCtx, ch, channel, opts.RoutingKey, msg)
	}
	if err != nil {
		return &PublishError{Exchange: channel, RoutingKey: opts.RoutingKey, Err: err}
	}

	p.stats.MessageSent(channel)
	return nil
}
