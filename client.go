// Copyright 2025 ChanMQ Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package chanmq

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/chanmq/chanmq-go/channels"
	"github.com/chanmq/chanmq-go/internal/amqp"
	"github.com/chanmq/chanmq-go/serialization"
)

// Client is the main entry point for chanmq-go. It owns a single broker
// connection shared by all channel consumers and the publisher.
type Client struct {
	cm         *amqp.ConnectionManager
	tracker    *channels.ActiveTracker
	subscriber *amqp.Subscriber
	publisher  *amqp.Publisher
	logger     *slog.Logger
}

// clientConfig holds client configuration.
type clientConfig struct {
	logger          *slog.Logger
	serializer      serialization.Serializer
	stats           channels.Stats
	prefetch        int
	reconnectDelay  time.Duration
	drainInterval   time.Duration
	deadLetter      channels.DeadLetterConfig
	publishDefaults *channels.PublishOptions
	breaker         *gobreaker.Settings
}

// ClientOption configures the client.
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithSerializer replaces the default JSON payload codec.
func WithSerializer(serializer serialization.Serializer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serializer = serializer
	}
}

// WithStats sets the metrics sink shared by the consumer and publish
// paths. Use channels.NewPrometheusStats for Prometheus export.
func WithStats(stats channels.Stats) ClientOption {
	return func(cfg *clientConfig) {
		cfg.stats = stats
	}
}

// WithPrefetch bounds the number of unacknowledged deliveries per
// consumer.
func WithPrefetch(count int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.prefetch = count
	}
}

// WithReconnectDelay sets the pause between reconnection attempts.
func WithReconnectDelay(delay time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.reconnectDelay = delay
	}
}

// WithDrainInterval sets how often the in-flight count is polled while
// shutting down or unsubscribing.
func WithDrainInterval(interval time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.drainInterval = interval
	}
}

// WithDeadLetter sets the adapter-level dead-letter defaults applied to
// channels that do not override them.
func WithDeadLetter(cfg channels.DeadLetterConfig) ClientOption {
	return func(c *clientConfig) {
		c.deadLetter = cfg
	}
}

// WithPublishDefaults sets the adapter-level publish defaults.
func WithPublishDefaults(defaults channels.PublishOptions) ClientOption {
	return func(cfg *clientConfig) {
		cfg.publishDefaults = &defaults
	}
}

// WithCircuitBreaker guards the publish path with a circuit breaker.
func WithCircuitBreaker(settings gobreaker.Settings) ClientOption {
	return func(cfg *clientConfig) {
		cfg.breaker = &settings
	}
}

// NewClient creates a chanmq client from a connection string. Multiple
// endpoints may be supplied separated by ";" and are tried in round-robin
// order across connection attempts.
func NewClient(connectionString string, options ...ClientOption) (*Client, error) {
	endpoints := splitEndpoints(connectionString)
	if len(endpoints) == 0 {
		return nil, errors.New("chanmq: connection string has no endpoints")
	}

	cfg := &clientConfig{
		logger:     slog.Default(),
		serializer: serialization.NewJSONSerializer(),
		stats:      channels.NopStats{},
	}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := []amqp.ConnectionOption{amqp.WithLogger(cfg.logger)}
	if cfg.prefetch > 0 {
		connOpts = append(connOpts, amqp.WithPrefetch(cfg.prefetch))
	}
	if cfg.reconnectDelay > 0 {
		connOpts = append(connOpts, amqp.WithReconnectDelay(cfg.reconnectDelay))
	}
	if cfg.drainInterval > 0 {
		connOpts = append(connOpts, amqp.WithDrainInterval(cfg.drainInterval))
	}
	cm := amqp.NewConnectionManager(endpoints, connOpts...)

	tracker := channels.NewActiveTracker()
	cm.SetInflightProbe(tracker.Total)

	asserted := amqp.NewExchangeSet()

	subOpts := []amqp.SubscriberOption{
		amqp.WithSubscriberLogger(cfg.logger),
		amqp.WithSubscriberStats(cfg.stats),
	}
	if cfg.deadLetter != (channels.DeadLetterConfig{}) {
		subOpts = append(subOpts, amqp.WithDefaultDeadLetter(cfg.deadLetter))
	}
	if cfg.drainInterval > 0 {
		subOpts = append(subOpts, amqp.WithSubscriberDrainInterval(cfg.drainInterval))
	}
	subscriber := amqp.NewSubscriber(cm, tracker, cfg.serializer, asserted, subOpts...)

	pubOpts := []amqp.PublisherOption{
		amqp.WithPublisherLogger(cfg.logger),
		amqp.WithPublisherStats(cfg.stats),
	}
	if cfg.publishDefaults != nil {
		pubOpts = append(pubOpts, amqp.WithPublishDefaults(*cfg.publishDefaults))
	}
	if cfg.breaker != nil {
		pubOpts = append(pubOpts, amqp.WithCircuitBreaker(*cfg.breaker))
	}
	publisher := amqp.NewPublisher(cm, cfg.serializer, asserted, pubOpts...)

	// Consumers survive connection loss: once the connection is back,
	// every registered channel is resubscribed in registration order.
	cm.OnReconnect(subscriber.ResubscribeAll)

	return &Client{
		cm:         cm,
		tracker:    tracker,
		subscriber: subscriber,
		publisher:  publisher,
		logger:     cfg.logger,
	}, nil
}

// Connect establishes the broker connection, retrying endpoints until
// one succeeds or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	return c.cm.Connect(ctx)
}

// Subscribe registers a channel consumer: declares the channel topology
// and starts consuming. The registration survives reconnects.
func (c *Client) Subscribe(ctx context.Context, def *channels.Definition) error {
	return c.subscriber.Subscribe(ctx, def)
}

// Unsubscribe stops the named channel's consumer, waits for its in-flight
// messages to drain, and removes the registration. Calling it again for
// the same channel is a no-op.
func (c *Client) Unsubscribe(ctx context.Context, name, group string) error {
	return c.subscriber.Unsubscribe(ctx, channelID(name, group))
}

// Publish sends a payload to the named channel.
func (c *Client) Publish(ctx context.Context, channel string, payload any, options ...channels.PublishOption) error {
	return c.publisher.Publish(ctx, channel, payload, options...)
}

// Disconnect waits for in-flight messages to drain, then closes the
// protocol channel and the connection. The client may be connected again
// afterwards.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.cm.Disconnect(ctx)
}

// Close disconnects with a background context. It satisfies io.Closer
// for callers that tear the client down without a deadline.
func (c *Client) Close() error {
	return c.cm.Disconnect(context.Background())
}

// IsConnected reports whether the broker connection is currently up.
func (c *Client) IsConnected() bool {
	return c.cm.IsConnected()
}

// WriteReady reports whether the outbound path is currently writeable,
// i.e. the broker is not applying flow control or a blocked notice.
func (c *Client) WriteReady() bool {
	return c.cm.WriteReady()
}

// InFlight returns the number of messages being processed across all
// channels.
func (c *Client) InFlight() int {
	return c.tracker.Total()
}

// Subscriptions lists the registered channel identifiers in registration
// order.
func (c *Client) Subscriptions() []string {
	return c.subscriber.Subscriptions()
}

func splitEndpoints(connectionString string) []string {
	var endpoints []string
	for _, part := range strings.Split(connectionString, ";") {
		if part = strings.TrimSpace(part); part != "" {
			endpoints = append(endpoints, part)
		}
	}
	return endpoints
}

func channelID(name, group string) string {
	if group == "" {
		return name
	}
	return group + "." + name
}
