package amqp

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/chanmq/chanmq-go/channels"
)

const (
	defaultReconnectDelay    = 2 * time.Second
	defaultDrainInterval     = time.Second
	defaultWritePollInterval = time.Millisecond
)

// ConnectionManager owns the broker connection and the single shared
// protocol channel. Every topology, consume, publish, ack, and nack call
// routes through the current channel; the whole handle is replaced on
// reconnect.
type ConnectionManager struct {
	endpoints         []string
	attempts          atomic.Uint64
	reconnectDelay    time.Duration
	drainInterval     time.Duration
	writePollInterval time.Duration
	prefetch          int
	logger            *slog.Logger

	mu            sync.RWMutex
	conn          *amqp091.Connection
	channel       *amqp091.Channel
	connected     bool
	everConnected bool

	stopping   atomic.Bool
	writeReady atomic.Bool

	hookMu         sync.Mutex
	inflight       func() int
	reconnectHooks []func(ctx context.Context)
	teardownHooks  []func()

	// closeConn and reconnect are the close watcher's side effects,
	// split out so the watcher is testable without a broker.
	closeConn func(conn *amqp091.Connection)
	reconnect func()
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithPrefetch sets the max-in-flight limit applied to the shared
// channel after every connect.
func WithPrefetch(count int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.prefetch = count
	}
}

// WithReconnectDelay overrides the delay between connection attempts.
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithDrainInterval overrides the polling interval of the disconnect
// drain loop.
func WithDrainInterval(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.drainInterval = interval
	}
}

// NewConnectionManager creates a manager over an ordered endpoint list.
// Successive connection attempts select endpoints round-robin; the
// attempt counter is process-lifetime and never reset.
func NewConnectionManager(endpoints []string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		endpoints:         endpoints,
		reconnectDelay:    defaultReconnectDelay,
		drainInterval:     defaultDrainInterval,
		writePollInterval: defaultWritePollInterval,
		logger:            slog.Default(),
		inflight:          func() int { return 0 },
	}

	for _, opt := range options {
		opt(cm)
	}

	cm.closeConn = func(conn *amqp091.Connection) {
		conn.Close()
	}
	cm.reconnect = func() {
		time.Sleep(cm.reconnectDelay)
		if err := cm.Connect(context.Background()); err != nil {
			cm.logger.Error("reconnect aborted", "error", err)
		}
	}

	return cm
}

// SetInflightProbe installs the quiescence probe consulted by the
// disconnect drain loop.
func (cm *ConnectionManager) SetInflightProbe(probe func() int) {
	cm.hookMu.Lock()
	defer cm.hookMu.Unlock()
	cm.inflight = probe
}

// OnReconnect registers a hook fired after every successful connect
// except the first since process start. Resubscription hangs off this.
func (cm *ConnectionManager) OnReconnect(hook func(ctx context.Context)) {
	cm.hookMu.Lock()
	defer cm.hookMu.Unlock()
	cm.reconnectHooks = append(cm.reconnectHooks, hook)
}

// OnTeardown registers a hook fired when the connection is lost or
// intentionally closed. Cached exchange assertions are cleared here.
func (cm *ConnectionManager) OnTeardown(hook func()) {
	cm.hookMu.Lock()
	defer cm.hookMu.Unlock()
	cm.teardownHooks = append(cm.teardownHooks, hook)
}

// NextEndpoint selects the endpoint for the next connection attempt by
// round-robin over the configured list.
func (cm *ConnectionManager) NextEndpoint() string {
	i := cm.attempts.Add(1) - 1
	return cm.endpoints[int(i%uint64(len(cm.endpoints)))]
}

// Connect establishes a connection, retrying indefinitely with a fixed
// delay between attempts. It returns only on success or when ctx is
// cancelled; connection failures are logged, never surfaced.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	for {
		endpoint := cm.NextEndpoint()

		conn, err := amqp091.Dial(endpoint)
		if err != nil {
			cm.logger.Error("broker connection failed",
				"endpoint", sanitizeURL(endpoint),
				"error", err)
			select {
			case <-time.After(cm.reconnectDelay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		ch, err := conn.Channel()
		if err == nil && cm.prefetch > 0 {
			err = ch.Qos(cm.prefetch, 0, false)
		}
		if err != nil {
			conn.Close()
			cm.logger.Error("broker channel setup failed",
				"endpoint", sanitizeURL(endpoint),
				"error", err)
			select {
			case <-time.After(cm.reconnectDelay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		cm.mu.Lock()
		cm.conn = conn
		cm.channel = ch
		cm.connected = true
		reconnected := cm.everConnected
		cm.everConnected = true
		cm.mu.Unlock()
		cm.writeReady.Store(true)

		go cm.watchFlow(
			ch.NotifyFlow(make(chan bool, 1)),
			conn.NotifyBlocked(make(chan amqp091.Blocking, 1)))
		go cm.watchClose(conn,
			conn.NotifyClose(make(chan *amqp091.Error, 1)),
			ch.NotifyClose(make(chan *amqp091.Error, 1)))

		cm.logger.Info("connected to broker",
			"endpoint", sanitizeURL(endpoint),
			"attempts", cm.attempts.Load(),
			"prefetch", cm.prefetch)

		if reconnected {
			for _, hook := range cm.hooks() {
				hook(ctx)
			}
		}

		return nil
	}
}

// Channel returns the current shared protocol channel.
func (cm *ConnectionManager) Channel() (*amqp091.Channel, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.connected || cm.channel == nil {
		return nil, channels.ErrNotConnected
	}
	return cm.channel, nil
}

// IsConnected reports whether the connection is up.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connected
}

// Stopping reports whether an intentional disconnect is in progress.
func (cm *ConnectionManager) Stopping() bool {
	return cm.stopping.Load()
}

// WriteReady reports the current flow-control state of the outbound
// path.
func (cm *ConnectionManager) WriteReady() bool {
	return cm.writeReady.Load()
}

// SetWriteReady overrides the flow-control flag. Exposed for the publish
// path and for tests.
func (cm *ConnectionManager) SetWriteReady(ready bool) {
	cm.writeReady.Store(ready)
}

// WaitWriteReady polls the flow-control flag until the outbound path is
// writeable or timeout elapses, in which case it fails with
// channels.ErrWriteBufferFull. The poll is cooperative so a saturated
// channel never stalls the caller past its own timeout.
func (cm *ConnectionManager) WaitWriteReady(ctx context.Context, timeout time.Duration) error {
	if cm.writeReady.Load() {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(cm.writePollInterval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if cm.writeReady.Load() {
				return nil
			}
		case <-deadline.C:
			return channels.ErrWriteBufferFull
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Disconnect closes the connection once every tracked in-flight message
// has drained, polling the probe at the drain interval. It is
// idempotent: a second call while stopping returns immediately. The
// stopping flag suppresses reconnection and publishes for the duration
// and is reset after the close.
func (cm *ConnectionManager) Disconnect(ctx context.Context) error {
	if !cm.stopping.CompareAndSwap(false, true) {
		return nil
	}
	defer cm.stopping.Store(false)

	cm.hookMu.Lock()
	probe := cm.inflight
	cm.hookMu.Unlock()

	for probe() > 0 {
		cm.logger.Debug("waiting for in-flight messages before disconnect",
			"count", probe())
		select {
		case <-time.After(cm.drainInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	cm.mu.Lock()
	ch, conn := cm.channel, cm.conn
	cm.channel, cm.conn = nil, nil
	cm.connected = false
	cm.mu.Unlock()
	cm.writeReady.Store(false)

	if ch != nil {
		ch.Close()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}

	cm.runTeardownHooks()
	cm.logger.Info("disconnected from broker")
	return err
}

// watchClose waits for an unexpected close of the connection or the
// shared channel and drives the reconnect path. An intentional
// disconnect is recognized by the watched connection no longer being the
// installed one: Disconnect detaches it before closing, so identity, not
// the transient stopping flag, decides whether the close was ours.
func (cm *ConnectionManager) watchClose(conn *amqp091.Connection, connClose, chClose <-chan *amqp091.Error) {
	var reason *amqp091.Error
	select {
	case reason = <-connClose:
	case reason = <-chClose:
	}

	if cm.stopping.Load() {
		return
	}

	cm.mu.Lock()
	if cm.conn != conn {
		// Already detached by Disconnect or by a newer watcher.
		cm.mu.Unlock()
		return
	}
	cm.conn = nil
	cm.channel = nil
	cm.connected = false
	cm.mu.Unlock()
	cm.writeReady.Store(false)

	if reason != nil {
		cm.logger.Error("broker connection lost", "error", reason)
	} else {
		cm.logger.Warn("broker connection closed unexpectedly")
	}

	// A channel-level exception leaves the connection itself open; close
	// it so it does not leak alongside the replacement.
	cm.closeConn(conn)

	cm.runTeardownHooks()
	cm.reconnect()
}

// watchFlow feeds the write-ready flag from the broker's flow-control
// signals: channel flow messages and connection-level blocked
// notifications. Both channels are closed by the client library when the
// connection goes away.
func (cm *ConnectionManager) watchFlow(flow <-chan bool, blocked <-chan amqp091.Blocking) {
	for flow != nil || blocked != nil {
		select {
		case active, ok := <-flow:
			if !ok {
				flow = nil
				continue
			}
			cm.writeReady.Store(active)
			if !active {
				cm.logger.Warn("outbound flow paused by broker")
			}
		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}
			cm.writeReady.Store(!b.Active)
			if b.Active {
				cm.logger.Warn("connection blocked by broker", "reason", b.Reason)
			}
		}
	}
}

func (cm *ConnectionManager) hooks() []func(ctx context.Context) {
	cm.hookMu.Lock()
	defer cm.hookMu.Unlock()
	return append([]func(ctx context.Context){}, cm.reconnectHooks...)
}

func (cm *ConnectionManager) runTeardownHooks() {
	cm.hookMu.Lock()
	hooks := append([]func(){}, cm.teardownHooks...)
	cm.hookMu.Unlock()

	for _, hook := range hooks {
		hook()
	}
}

// sanitizeURL strips credentials from a broker URL before logging.
func sanitizeURL(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "(unparseable endpoint)"
	}
	return u.Redacted()
}
