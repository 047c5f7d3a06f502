package amqp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanmq/chanmq-go/channels"
	"github.com/chanmq/chanmq-go/serialization"
)

// fakeAcknowledger records the terminal disposition of a delivery.
type fakeAcknowledger struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks++
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

// recordingStats counts metrics events per kind.
type recordingStats struct {
	mu          sync.Mutex
	received    int
	errors      int
	retries     int
	deadLetters int
}

func (r *recordingStats) MessageSent(string)                      {}
func (r *recordingStats) IncActive(string)                        {}
func (r *recordingStats) DecActive(string)                        {}
func (r *recordingStats) ObserveProcessing(string, time.Duration) {}

func (r *recordingStats) MessageReceived(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received++
}

func (r *recordingStats) Error(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors++
}

func (r *recordingStats) Retry(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *recordingStats) DeadLettered(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadLetters++
}

// publishedMessage captures a dead-letter publish.
type publishedMessage struct {
	exchange   string
	routingKey string
	msg        amqp091.Publishing
}

func newTestSubscriber(t *testing.T, options ...SubscriberOption) (*Subscriber, *channels.ActiveTracker, *recordingStats, *[]publishedMessage) {
	t.Helper()

	cm := NewConnectionManager([]string{"amqp://localhost:5672"})
	tracker := channels.NewActiveTracker()
	stats := &recordingStats{}

	options = append([]SubscriberOption{
		WithSubscriberStats(stats),
		WithSubscriberDrainInterval(time.Millisecond),
	}, options...)

	s := NewSubscriber(cm, tracker, serialization.NewJSONSerializer(), NewExchangeSet(), options...)

	published := &[]publishedMessage{}
	s.publish = func(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error {
		*published = append(*published, publishedMessage{exchange: exchange, routingKey: routingKey, msg: msg})
		return nil
	}

	return s, tracker, stats, published
}

func newTestSubscription(def *channels.Definition) *subscription {
	sub := &subscription{def: def}
	sub.ctx, sub.cancel = context.WithCancel(context.Background())
	return sub
}

func delivery(ack amqp091.Acknowledger, body string, headers amqp091.Table) amqp091.Delivery {
	return amqp091.Delivery{
		Acknowledger: ack,
		ConsumerTag:  "chanmq-test",
		DeliveryTag:  1,
		Body:         []byte(body),
		Headers:      headers,
	}
}

func TestHandleDelivery(t *testing.T) {
	t.Run("successful handler acks the message", func(t *testing.T) {
		s, tracker, _, _ := newTestSubscriber(t)

		var got *channels.Message
		def := &channels.Definition{
			Name:  "orders",
			Group: "billing",
			Handler: func(ctx context.Context, msg *channels.Message) error {
				got = msg
				return nil
			},
		}
		ack := &fakeAcknowledger{}

		s.handleDelivery(newTestSubscription(def), delivery(ack, `{"id":"o-1"}`, nil))

		require.NotNil(t, got)
		assert.Equal(t, "orders", got.Channel)
		assert.Equal(t, "billing", got.Group)
		assert.Equal(t, map[string]any{"id": "o-1"}, got.Payload)
		assert.Equal(t, 1, ack.acks)
		assert.Equal(t, 0, ack.nacks)
		assert.Equal(t, 0, tracker.Total())
	})

	t.Run("raw channels skip decoding", func(t *testing.T) {
		s, _, _, _ := newTestSubscriber(t)

		var got *channels.Message
		def := &channels.Definition{
			Name:       "orders",
			RawPayload: true,
			Handler: func(ctx context.Context, msg *channels.Message) error {
				got = msg
				return nil
			},
		}

		s.handleDelivery(newTestSubscription(def), delivery(&fakeAcknowledger{}, "not json", nil))

		require.NotNil(t, got)
		assert.Nil(t, got.Payload)
		assert.Equal(t, []byte("not json"), got.Body)
	})

	t.Run("failure with retries remaining nacks without requeue", func(t *testing.T) {
		s, tracker, stats, _ := newTestSubscriber(t)

		def := &channels.Definition{
			Name:       "orders",
			MaxRetries: 3,
			Handler: func(ctx context.Context, msg *channels.Message) error {
				return errors.New("transient failure")
			},
		}
		ack := &fakeAcknowledger{}

		s.handleDelivery(newTestSubscription(def), delivery(ack, `{}`, nil))

		assert.Equal(t, 0, ack.acks)
		assert.Equal(t, 1, ack.nacks)
		assert.False(t, ack.requeue, "retry must route through the dead-letter target, not back to the head of the queue")
		assert.Equal(t, 1, stats.retries)
		assert.Equal(t, 0, tracker.Total())
	})

	t.Run("exhausted retry budget dead-letters", func(t *testing.T) {
		s, _, stats, published := newTestSubscriber(t)

		def := &channels.Definition{
			Name:       "orders",
			Group:      "billing",
			MaxRetries: 3,
			DeadLetter: channels.DeadLetterConfig{Enabled: true, QueueName: "dead_letter"},
			Handler: func(ctx context.Context, msg *channels.Message) error {
				return errors.New("still failing")
			},
		}
		ack := &fakeAcknowledger{}
		headers := amqp091.Table{
			HeaderXDeath: []interface{}{amqp091.Table{"count": int64(2)}},
		}

		s.handleDelivery(newTestSubscription(def), delivery(ack, `{}`, headers))

		require.Len(t, *published, 1)
		dl := (*published)[0]
		assert.Equal(t, "", dl.exchange)
		assert.Equal(t, "dead_letter", dl.routingKey)
		assert.Equal(t, "orders", dl.msg.Headers[HeaderOriginalChannel])
		assert.Equal(t, "billing", dl.msg.Headers[HeaderOriginalGroup])
		assert.Equal(t, "still failing", dl.msg.Headers[HeaderError])
		assert.Equal(t, 1, ack.acks)
		assert.Equal(t, 0, ack.nacks)
		assert.Equal(t, 1, stats.deadLetters)
	})

	t.Run("dead-letter exchange takes precedence over queue", func(t *testing.T) {
		s, _, _, published := newTestSubscriber(t)

		def := &channels.Definition{
			Name:       "orders",
			DeadLetter: channels.DeadLetterConfig{Enabled: true, QueueName: "dead_letter", ExchangeName: "dlx"},
			Handler: func(ctx context.Context, msg *channels.Message) error {
				return errors.New("boom")
			},
		}

		s.handleDelivery(newTestSubscription(def), delivery(&fakeAcknowledger{}, `{}`, nil))

		require.Len(t, *published, 1)
		assert.Equal(t, "dlx", (*published)[0].exchange)
		assert.Equal(t, "", (*published)[0].routingKey)
	})

	t.Run("failure without retries drops when dead-letter is off", func(t *testing.T) {
		s, _, stats, published := newTestSubscriber(t)

		def := &channels.Definition{
			Name: "orders",
			Handler: func(ctx context.Context, msg *channels.Message) error {
				return errors.New("boom")
			},
		}
		ack := &fakeAcknowledger{}

		s.handleDelivery(newTestSubscription(def), delivery(ack, `{}`, nil))

		assert.Empty(t, *published)
		assert.Equal(t, 1, ack.acks, "dropped messages are acked so the broker never redelivers")
		assert.Equal(t, 0, ack.nacks)
		assert.Equal(t, 1, stats.errors)
	})

	t.Run("permanent errors bypass the retry budget", func(t *testing.T) {
		s, _, stats, published := newTestSubscriber(t)

		def := &channels.Definition{
			Name:       "orders",
			MaxRetries: 5,
			DeadLetter: channels.DeadLetterConfig{Enabled: true, QueueName: "dead_letter"},
			Handler: func(ctx context.Context, msg *channels.Message) error {
				return channels.Permanent(errors.New("unprocessable"))
			},
		}
		ack := &fakeAcknowledger{}

		s.handleDelivery(newTestSubscription(def), delivery(ack, `{}`, nil))

		require.Len(t, *published, 1)
		assert.Equal(t, 0, ack.nacks)
		assert.Equal(t, 0, stats.retries)
		assert.Equal(t, 1, stats.deadLetters)
	})

	t.Run("undecodable payload is treated as permanent", func(t *testing.T) {
		s, _, stats, published := newTestSubscriber(t)

		def := &channels.Definition{
			Name:       "orders",
			MaxRetries: 5,
			DeadLetter: channels.DeadLetterConfig{Enabled: true, QueueName: "dead_letter"},
			Handler: func(ctx context.Context, msg *channels.Message) error {
				t.Fatal("handler must not run for undecodable payloads")
				return nil
			},
		}

		s.handleDelivery(newTestSubscription(def), delivery(&fakeAcknowledger{}, "{broken", nil))

		require.Len(t, *published, 1)
		assert.Equal(t, 0, stats.retries)
	})

	t.Run("handler panics become failures", func(t *testing.T) {
		s, tracker, stats, _ := newTestSubscriber(t)

		def := &channels.Definition{
			Name: "orders",
			Handler: func(ctx context.Context, msg *channels.Message) error {
				panic("oops")
			},
		}
		ack := &fakeAcknowledger{}

		s.handleDelivery(newTestSubscription(def), delivery(ack, `{}`, nil))

		assert.Equal(t, 1, stats.errors)
		assert.Equal(t, 1, ack.acks)
		assert.Equal(t, 0, tracker.Total())
	})

	t.Run("mid-unsubscribe deliveries are left untouched", func(t *testing.T) {
		s, tracker, stats, _ := newTestSubscriber(t)

		def := &channels.Definition{
			Name: "orders",
			Handler: func(ctx context.Context, msg *channels.Message) error {
				t.Fatal("handler must not run while unsubscribing")
				return nil
			},
		}
		def.BeginUnsubscribe()
		ack := &fakeAcknowledger{}

		s.handleDelivery(newTestSubscription(def), delivery(ack, `{}`, nil))

		assert.Equal(t, 0, ack.acks)
		assert.Equal(t, 0, ack.nacks)
		assert.Equal(t, 0, stats.received)
		assert.Equal(t, 0, tracker.Total())
	})

	t.Run("failed dead-letter publish leaves the message unacked", func(t *testing.T) {
		s, _, stats, _ := newTestSubscriber(t)
		s.publish = func(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error {
			return errors.New("broker unavailable")
		}

		def := &channels.Definition{
			Name:       "orders",
			DeadLetter: channels.DeadLetterConfig{Enabled: true, QueueName: "dead_letter"},
			Handler: func(ctx context.Context, msg *channels.Message) error {
				return errors.New("boom")
			},
		}
		ack := &fakeAcknowledger{}

		s.handleDelivery(newTestSubscription(def), delivery(ack, `{}`, nil))

		assert.Equal(t, 0, ack.acks, "the broker redelivers after reconnect")
		assert.Equal(t, 0, stats.deadLetters)
	})

	t.Run("redelivery count comes from the death history", func(t *testing.T) {
		s, _, _, _ := newTestSubscriber(t)

		var got int
		def := &channels.Definition{
			Name: "orders",
			Handler: func(ctx context.Context, msg *channels.Message) error {
				got = msg.Redeliveries
				return nil
			},
		}
		headers := amqp091.Table{
			HeaderXDeath: []interface{}{amqp091.Table{"count": int64(4)}},
		}

		s.handleDelivery(newTestSubscription(def), delivery(&fakeAcknowledger{}, `{}`, headers))

		assert.Equal(t, 4, got)
	})
}

func TestSubscribe(t *testing.T) {
	t.Run("rejects an invalid definition", func(t *testing.T) {
		s, _, _, _ := newTestSubscriber(t)

		err := s.Subscribe(context.Background(), &channels.Definition{Name: "orders"})
		assert.Error(t, err)
	})

	t.Run("fails while disconnected", func(t *testing.T) {
		s, _, _, _ := newTestSubscriber(t)

		def := &channels.Definition{Name: "orders", Handler: func(context.Context, *channels.Message) error { return nil }}
		err := s.Subscribe(context.Background(), def)
		assert.ErrorIs(t, err, channels.ErrNotConnected)
	})

	t.Run("rejects a duplicate channel", func(t *testing.T) {
		s, _, _, _ := newTestSubscriber(t)
		s.register = func(*subscription) error { return nil }

		def := &channels.Definition{
			Name:    "orders",
			Group:   "billing",
			Handler: func(context.Context, *channels.Message) error { return nil },
		}
		require.NoError(t, s.Subscribe(context.Background(), def))

		err := s.Subscribe(context.Background(), def)
		assert.ErrorContains(t, err, "already subscribed")
		assert.Equal(t, []string{def.ID()}, s.Subscriptions())
	})

	t.Run("failed consume releases the reservation", func(t *testing.T) {
		s, _, _, _ := newTestSubscriber(t)
		s.register = func(*subscription) error { return channels.ErrNotConnected }

		def := &channels.Definition{Name: "orders", Handler: func(context.Context, *channels.Message) error { return nil }}
		err := s.Subscribe(context.Background(), def)
		require.ErrorIs(t, err, channels.ErrNotConnected)
		assert.Empty(t, s.Subscriptions())

		// A retry sees the real error again, not a stale duplicate.
		s.register = func(*subscription) error { return nil }
		assert.NoError(t, s.Subscribe(context.Background(), def))
	})

	t.Run("only one of two concurrent subscribes wins", func(t *testing.T) {
		s, _, _, _ := newTestSubscriber(t)

		started := make(chan struct{})
		release := make(chan struct{})
		s.register = func(*subscription) error {
			select {
			case started <- struct{}{}:
				<-release
			default:
			}
			return nil
		}

		def := &channels.Definition{
			Name:    "orders",
			Handler: func(context.Context, *channels.Message) error { return nil },
		}

		firstDone := make(chan error, 1)
		go func() { firstDone <- s.Subscribe(context.Background(), def) }()
		<-started

		// While the first consume is in flight the id is already taken.
		err := s.Subscribe(context.Background(), def)
		assert.ErrorContains(t, err, "already subscribed")

		close(release)
		require.NoError(t, <-firstDone)
		assert.Equal(t, []string{def.ID()}, s.Subscriptions())
	})
}

func TestResubscribeAll(t *testing.T) {
	handler := func(context.Context, *channels.Message) error { return nil }

	seed := func(s *Subscriber, defs ...*channels.Definition) {
		for _, def := range defs {
			sub := newTestSubscription(def)
			s.subs[def.ID()] = sub
			s.order = append(s.order, def.ID())
		}
	}

	t.Run("replays every channel in subscription order", func(t *testing.T) {
		s, _, _, _ := newTestSubscriber(t)
		seed(s,
			&channels.Definition{Name: "orders", Group: "billing", Handler: handler},
			&channels.Definition{Name: "payments", Handler: handler},
			&channels.Definition{Name: "shipments", Handler: handler},
		)

		var replayed []string
		s.register = func(sub *subscription) error {
			replayed = append(replayed, sub.def.ID())
			return nil
		}

		s.ResubscribeAll(context.Background())

		assert.Equal(t, []string{"billing.orders", "payments", "shipments"}, replayed)
	})

	t.Run("skips channels that are mid-unsubscribe", func(t *testing.T) {
		s, _, _, _ := newTestSubscriber(t)
		leaving := &channels.Definition{Name: "payments", Handler: handler}
		leaving.BeginUnsubscribe()
		seed(s,
			&channels.Definition{Name: "orders", Handler: handler},
			leaving,
		)

		var replayed []string
		s.register = func(sub *subscription) error {
			replayed = append(replayed, sub.def.ID())
			return nil
		}

		s.ResubscribeAll(context.Background())

		assert.Equal(t, []string{"orders"}, replayed)
	})

	t.Run("a failing channel does not block the rest", func(t *testing.T) {
		s, _, _, _ := newTestSubscriber(t)
		seed(s,
			&channels.Definition{Name: "orders", Handler: handler},
			&channels.Definition{Name: "payments", Handler: handler},
			&channels.Definition{Name: "shipments", Handler: handler},
		)

		var replayed []string
		s.register = func(sub *subscription) error {
			replayed = append(replayed, sub.def.ID())
			if sub.def.Name == "payments" {
				return errors.New("topology declaration failed")
			}
			return nil
		}

		s.ResubscribeAll(context.Background())

		assert.Equal(t, []string{"orders", "payments", "shipments"}, replayed)
		// The failed channel stays registered for the next reconnect.
		assert.Contains(t, s.Subscriptions(), "payments")
	})
}

func TestUnsubscribe(t *testing.T) {
	t.Run("unknown channel fails", func(t *testing.T) {
		s, _, _, _ := newTestSubscriber(t)

		err := s.Unsubscribe(context.Background(), "billing.orders")
		assert.ErrorIs(t, err, channels.ErrUnknownChannel)
	})

	t.Run("drains in-flight messages and is idempotent", func(t *testing.T) {
		s, tracker, _, _ := newTestSubscriber(t)

		def := &channels.Definition{
			Name:    "orders",
			Group:   "billing",
			Handler: func(context.Context, *channels.Message) error { return nil },
		}
		sub := newTestSubscription(def)
		sub.consumerTag = "chanmq-test"
		s.subs[def.ID()] = sub
		s.order = append(s.order, def.ID())

		tracker.Add(def.ID(), "m1")
		go func() {
			time.Sleep(5 * time.Millisecond)
			tracker.Remove(def.ID(), "m1")
		}()

		require.NoError(t, s.Unsubscribe(context.Background(), def.ID()))
		assert.Empty(t, s.Subscriptions())

		// Second call is a no-op even though the map entry is gone.
		assert.ErrorIs(t, s.Unsubscribe(context.Background(), def.ID()), channels.ErrUnknownChannel)
	})

	t.Run("repeated call while draining returns immediately", func(t *testing.T) {
		s, _, _, _ := newTestSubscriber(t)

		def := &channels.Definition{
			Name:    "orders",
			Handler: func(context.Context, *channels.Message) error { return nil },
		}
		sub := newTestSubscription(def)
		s.subs[def.ID()] = sub
		s.order = append(s.order, def.ID())

		def.BeginUnsubscribe()
		assert.NoError(t, s.Unsubscribe(context.Background(), def.ID()))
	})
}

func TestResolveDeadLetter(t *testing.T) {
	t.Run("adapter defaults fill enabled channels", func(t *testing.T) {
		s, _, _, _ := newTestSubscriber(t, WithDefaultDeadLetter(channels.DeadLetterConfig{
			Enabled:   true,
			QueueName: "failed",
		}))

		def := &channels.Definition{Name: "orders"}
		s.resolveDeadLetter(def)

		assert.True(t, def.DeadLetter.Enabled)
		assert.Equal(t, "failed", def.DeadLetter.QueueName)
	})

	t.Run("channel settings win over adapter defaults", func(t *testing.T) {
		s, _, _, _ := newTestSubscriber(t, WithDefaultDeadLetter(channels.DeadLetterConfig{
			Enabled:   true,
			QueueName: "failed",
		}))

		def := &channels.Definition{
			Name:       "orders",
			DeadLetter: channels.DeadLetterConfig{Enabled: true, QueueName: "orders.dead"},
		}
		s.resolveDeadLetter(def)

		assert.Equal(t, "orders.dead", def.DeadLetter.QueueName)
	})

	t.Run("falls back to the well-known queue name", func(t *testing.T) {
		s, _, _, _ := newTestSubscriber(t)

		def := &channels.Definition{
			Name:       "orders",
			DeadLetter: channels.DeadLetterConfig{Enabled: true},
		}
		s.resolveDeadLetter(def)

		assert.Equal(t, "dead_letter", def.DeadLetter.QueueName)
	})

	t.Run("disabled stays disabled", func(t *testing.T) {
		s, _, _, _ := newTestSubscriber(t)

		def := &channels.Definition{Name: "orders"}
		s.resolveDeadLetter(def)

		assert.False(t, def.DeadLetter.Enabled)
		assert.Empty(t, def.DeadLetter.QueueName)
	})
}
