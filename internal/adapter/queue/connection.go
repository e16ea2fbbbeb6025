package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// State of the connection manager.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateConsuming
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateConsuming:
		return "consuming"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StopReason tells why the consume loop ended.
type StopReason int32

const (
	StopNone StopReason = iota
	StopRequested
	StopReconnectExhausted
)

func (r StopReason) String() string {
	switch r {
	case StopRequested:
		return "requested"
	case StopReconnectExhausted:
		return "reconnect_exhausted"
	default:
		return "none"
	}
}

// Subscription is the consumer registration re-applied after every reconnect.
type Subscription struct {
	Queue        string
	ConsumerTag  string
	Exchange     string // optional; declared and bound when set
	ExchangeType string // default "direct"
	RoutingKey   string
}

// StateObserver is notified on every state transition and reconnect.
type StateObserver interface {
	ObserveState(s State)
	ObserveReconnect(success bool)
}

// Manager owns the broker connection and channel, runs the consume loop on
// its own goroutine and rebuilds the subscription after stream faults.
type Manager struct {
	url          string
	dial         Dialer
	retries      int
	retryDelay   time.Duration
	prefetch     int
	closeTimeout time.Duration
	observer     StateObserver
	log          *slog.Logger

	mu   sync.Mutex // guards conn, ch
	conn Connection
	ch   Channel

	state  atomic.Int32
	reason atomic.Int32

	runCtx    context.Context
	cancelRun context.CancelFunc
	started   atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

// --- Options ---

type ManagerOption func(*Manager)

func WithDialer(d Dialer) ManagerOption { return func(m *Manager) { m.dial = d } }
func WithRetry(retries int, delay time.Duration) ManagerOption {
	return func(m *Manager) { m.retries, m.retryDelay = retries, delay }
}
func WithPrefetch(n int) ManagerOption               { return func(m *Manager) { m.prefetch = n } }
func WithCloseTimeout(d time.Duration) ManagerOption { return func(m *Manager) { m.closeTimeout = d } }
func WithStateObserver(o StateObserver) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

// NewManager constructs a Manager. Defaults: 5 connect attempts 2s apart, prefetch=1, close timeout=3s.
func NewManager(url string, log *slog.Logger, opts ...ManagerOption) *Manager {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		url:          url,
		dial:         AMQPDialer(10*time.Second, ""),
		retries:      5,
		retryDelay:   2 * time.Second,
		prefetch:     1,
		closeTimeout: 3 * time.Second,
		log:          log.With("component", "rabbitmq"),
		runCtx:       ctx,
		cancelRun:    cancel,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.retries < 1 {
		m.retries = 1
	}
	return m
}

func (m *Manager) State() State           { return State(m.state.Load()) }
func (m *Manager) StopReason() StopReason { return StopReason(m.reason.Load()) }

// Done is closed once the manager is stopped, by Close or by an exhausted reconnect.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Err reports ErrReconnectExhausted when the loop stopped on its own.
func (m *Manager) Err() error {
	if m.StopReason() == StopReconnectExhausted {
		return ErrReconnectExhausted
	}
	return nil
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	if m.observer != nil {
		m.observer.ObserveState(s)
	}
}

func (m *Manager) stopping() bool { return m.runCtx.Err() != nil }

// Connect opens a connection and channel with a bounded number of attempts
// separated by a fixed delay. It returns a *ConnectError when all fail.
func (m *Manager) Connect(ctx context.Context) error {
	if m.stopping() {
		return ErrManagerClosed
	}
	if s := m.State(); s != StateReconnecting {
		m.setState(StateConnecting)
	}

	attempt := 0
	op := func() error {
		attempt++
		err := m.open()
		if err != nil {
			m.log.Warn(fmt.Sprintf("failed to connect to RabbitMQ, retrying in %s (%d/%d)", m.retryDelay, attempt, m.retries),
				"err", err)
		}
		return err
	}
	cctx, cancel := mergeDone(ctx, m.runCtx)
	defer cancel()
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.retryDelay), uint64(m.retries-1)),
		cctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		m.log.Error("failed to connect to RabbitMQ after multiple retries", "attempts", attempt, "err", err)
		return &ConnectError{Attempts: attempt, Err: err}
	}

	m.log.Info("connected to RabbitMQ", "attempts", attempt)
	if m.State() != StateReconnecting {
		m.setState(StateConnected)
	}
	return nil
}

func (m *Manager) open() error {
	conn, err := m.dial(m.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if m.prefetch > 0 {
		if err := ch.Qos(m.prefetch, 0, false); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("set qos: %w", err)
		}
	}

	m.mu.Lock()
	m.conn, m.ch = conn, ch
	m.mu.Unlock()
	return nil
}

// teardown discards the current channel and connection.
func (m *Manager) teardown() {
	m.mu.Lock()
	ch, conn := m.ch, m.conn
	m.ch, m.conn = nil, nil
	m.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil && !conn.IsClosed() {
		_ = conn.Close()
	}
}

type session struct {
	deliveries <-chan amqp.Delivery
	chClosed   chan *amqp.Error
	connClosed chan *amqp.Error
}

// subscribe declares the topology and registers the consumer on the current channel.
func (m *Manager) subscribe(sub Subscription) (*session, error) {
	m.mu.Lock()
	ch, conn := m.ch, m.conn
	m.mu.Unlock()
	if ch == nil || conn == nil {
		return nil, ErrNotConnected
	}

	name, err := declareTopology(ch, sub)
	if err != nil {
		return nil, err
	}

	deliveries, err := ch.Consume(
		name,
		sub.ConsumerTag,
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return &session{
		deliveries: deliveries,
		chClosed:   ch.NotifyClose(make(chan *amqp.Error, 1)),
		connClosed: conn.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

// StartConsuming declares the durable queue, registers h and consumes on a
// dedicated goroutine. It returns once the first registration succeeded.
func (m *Manager) StartConsuming(sub Subscription, h DeliveryHandler) error {
	if m.stopping() {
		return ErrManagerClosed
	}
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("rabbitmq: consumer already started")
	}
	s, err := m.subscribe(sub)
	if err != nil {
		m.started.Store(false)
		return err
	}
	m.setState(StateConsuming)
	m.log.Info("consumer started", "queue", sub.Queue)

	go m.run(sub, h, s)
	return nil
}

func (m *Manager) run(sub Subscription, h DeliveryHandler, s *session) {
	defer m.finish()
	// handlers are never cancelled mid-delivery
	dctx := context.WithoutCancel(m.runCtx)

	failures := 0
	for {
		fault := m.consume(dctx, h, s)
		if fault == nil || m.stopping() {
			m.reason.CompareAndSwap(int32(StopNone), int32(StopRequested))
			return
		}

		m.log.Error("consumer stream fault, attempting to reconnect", "err", fault)
		m.setState(StateReconnecting)
		m.teardown()

		if err := m.Connect(m.runCtx); err != nil {
			if m.stopping() {
				m.reason.CompareAndSwap(int32(StopNone), int32(StopRequested))
				return
			}
			m.observeReconnect(false)
			m.log.Error("failed to reconnect to RabbitMQ, stopping consumer", "err", err)
			m.reason.Store(int32(StopReconnectExhausted))
			return
		}

		ns, err := m.subscribe(sub)
		if err != nil {
			failures++
			m.observeReconnect(false)
			m.log.Error("failed to re-register consumer", "err", err, "attempt", failures, "max", m.retries)
			if failures >= m.retries {
				m.reason.Store(int32(StopReconnectExhausted))
				return
			}
			// force the next iteration through the reconnect path
			s = &session{}
			continue
		}
		failures = 0
		s = ns
		m.observeReconnect(true)
		m.setState(StateConsuming)
		m.log.Info("consumer resumed", "queue", sub.Queue)
	}
}

// consume blocks until a fault (returned) or a stop request (nil).
func (m *Manager) consume(ctx context.Context, h DeliveryHandler, s *session) error {
	if s.deliveries == nil {
		return &StreamFault{}
	}
	for {
		select {
		case <-m.runCtx.Done():
			return nil
		case err, ok := <-s.chClosed:
			if !ok || err == nil {
				return &StreamFault{Err: amqp.ErrClosed}
			}
			return &StreamFault{Err: err}
		case err, ok := <-s.connClosed:
			if !ok || err == nil {
				return &StreamFault{Err: amqp.ErrClosed}
			}
			return &StreamFault{Err: err}
		case d, ok := <-s.deliveries:
			if !ok {
				return &StreamFault{}
			}
			if m.stopping() {
				// leave it unacked; the broker redelivers after the channel closes
				return nil
			}
			h.HandleDelivery(ctx, d)
		}
	}
}

func (m *Manager) observeReconnect(ok bool) {
	if m.observer != nil {
		m.observer.ObserveReconnect(ok)
	}
}

func (m *Manager) finish() {
	m.setState(StateStopped)
	m.log.Info("consumer stopped", "reason", m.StopReason().String())
	m.doneOnce.Do(func() { close(m.done) })
}

// Close stops the consume loop, waits up to the close timeout for it to end
// and closes the channel and connection. It is idempotent and safe to call
// before Connect. ErrCloseTimeout means the loop is still running a handler.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.reason.CompareAndSwap(int32(StopNone), int32(StopRequested))
		m.cancelRun()

		if m.started.Load() {
			select {
			case <-m.done:
			case <-time.After(m.closeTimeout):
				m.log.Warn("consumer did not stop in time", "timeout", m.closeTimeout)
				err = ErrCloseTimeout
			}
		}

		m.teardown()
		m.log.Info("RabbitMQ connection closed")
		if !m.started.Load() {
			m.setState(StateStopped)
			m.doneOnce.Do(func() { close(m.done) })
		}
	})
	return err
}

// Publish sends a persistent message on the managed channel. It returns
// ErrNotConnected before Connect. On a closed channel it reconnects once and
// retries once, unless a consumer owns the connection, in which case the
// consume loop does the reconnecting.
func (m *Manager) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = amqp.Persistent
	}
	err := m.publish(ctx, exchange, routingKey, msg)
	if err == nil || !isChannelClosed(err) || m.started.Load() {
		return err
	}

	m.log.Warn("channel closed while publishing, reconnecting", "err", err)
	m.teardown()
	if cerr := m.Connect(ctx); cerr != nil {
		return fmt.Errorf("publish: %w", cerr)
	}
	return m.publish(ctx, exchange, routingKey, msg)
}

func (m *Manager) publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	m.mu.Lock()
	ch := m.ch
	m.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// DeclareQueue declares sub's queue and exchange binding without consuming.
func (m *Manager) DeclareQueue(sub Subscription) error {
	m.mu.Lock()
	ch := m.ch
	m.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	_, err := declareTopology(ch, sub)
	return err
}

func declareTopology(ch Channel, sub Subscription) (string, error) {
	if sub.Exchange != "" {
		kind := sub.ExchangeType
		if kind == "" {
			kind = amqp.ExchangeDirect
		}
		if err := ch.ExchangeDeclare(sub.Exchange, kind, true, false, false, false, nil); err != nil {
			return "", fmt.Errorf("declare exchange: %w", err)
		}
	}
	q, err := ch.QueueDeclare(
		sub.Queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("declare queue: %w", err)
	}
	if sub.Exchange != "" {
		if err := ch.QueueBind(q.Name, sub.RoutingKey, sub.Exchange, false, nil); err != nil {
			return "", fmt.Errorf("queue bind: %w", err)
		}
	}
	return q.Name, nil
}

func isChannelClosed(err error) bool {
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var aerr *amqp.Error
	return errors.As(err, &aerr) && (aerr.Code == amqp.ChannelError || aerr.Code == amqp.ConnectionForced)
}

// mergeDone returns a context cancelled when either a or b is done.
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
