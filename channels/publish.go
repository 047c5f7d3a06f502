package channels

import "time"

// DefaultPublishTimeout bounds the write-buffer wait and the send itself
// when neither the call nor the adapter defaults override it.
const DefaultPublishTimeout = 10 * time.Second

// PublishOptions configures a single publish, merged over the adapter
// defaults.
type PublishOptions struct {
	Persistent     bool
	TTL            time.Duration
	Priority       uint8
	CorrelationID  string
	Headers        map[string]any
	Timeout        time.Duration
	Raw            bool
	RoutingKey     string
	AssertExchange bool
	Group          string
}

// PublishOption adjusts PublishOptions.
type PublishOption func(*PublishOptions)

// WithPersistent marks the message persistent or transient.
func WithPersistent(persistent bool) PublishOption {
	return func(o *PublishOptions) { o.Persistent = persistent }
}

// WithTTL sets the message expiration.
func WithTTL(ttl time.Duration) PublishOption {
	return func(o *PublishOptions) { o.TTL = ttl }
}

// WithPriority sets the message priority.
func WithPriority(priority uint8) PublishOption {
	return func(o *PublishOptions) { o.Priority = priority }
}

// WithCorrelationID sets the correlation id carried on the message.
func WithCorrelationID(id string) PublishOption {
	return func(o *PublishOptions) { o.CorrelationID = id }
}

// WithPublishHeaders merges custom headers onto the message.
func WithPublishHeaders(headers map[string]any) PublishOption {
	return func(o *PublishOptions) {
		if o.Headers == nil {
			o.Headers = make(map[string]any)
		}
		for k, v := range headers {
			o.Headers[k] = v
		}
	}
}

// WithTimeout bounds the write-buffer wait and the send.
func WithTimeout(timeout time.Duration) PublishOption {
	return func(o *PublishOptions) { o.Timeout = timeout }
}

// WithRaw publishes the payload bytes as-is, skipping serialization.
// The payload must be a []byte.
func WithRaw() PublishOption {
	return func(o *PublishOptions) { o.Raw = true }
}

// WithRoutingKey overrides the routing key (default empty, matching the
// fan-out channel bindings).
func WithRoutingKey(key string) PublishOption {
	return func(o *PublishOptions) { o.RoutingKey = key }
}

// WithAssertExchange declares the target exchange before the first
// publish of this connection's lifetime.
func WithAssertExchange() PublishOption {
	return func(o *PublishOptions) { o.AssertExchange = true }
}

// WithGroup stamps the consumer-group header on the message.
func WithGroup(group string) PublishOption {
	return func(o *PublishOptions) { o.Group = group }
}
