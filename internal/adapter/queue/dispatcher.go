package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aq2208/zalo-notifier/internal/usecase"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Dispatch outcomes, used for logs and metrics.
const (
	OutcomeAcked        = "acked"
	OutcomeDuplicate    = "duplicate"
	OutcomeUnrouted     = "unrouted"
	OutcomeDecodeError  = "decode_error"
	OutcomeHandlerError = "handler_error"
	OutcomePanic        = "panic"
)

// Metrics receives one observation per settled delivery.
type Metrics interface {
	ObserveDispatch(actionType, outcome string, elapsed time.Duration)
}

// handlerTimeouter lets a handler bound its own invocation.
type handlerTimeouter interface {
	HandleTimeout() time.Duration
}

// Dispatcher is the per-delivery callback bound into the consume loop. It
// routes by action type, runs the handler and acks or rejects the delivery.
type Dispatcher struct {
	registry        *Registry
	notifier        usecase.Notifier
	idem            usecase.IdempotencyStore
	metrics         Metrics
	log             *slog.Logger
	handlerTimeout  time.Duration
	fallbackTimeout time.Duration
	requeueOnErr    bool
}

// --- Options ---

type DispatcherOption func(*Dispatcher)

func WithHandlerTimeout(d time.Duration) DispatcherOption {
	return func(x *Dispatcher) { x.handlerTimeout = d }
}
func WithFallbackTimeout(d time.Duration) DispatcherOption {
	return func(x *Dispatcher) { x.fallbackTimeout = d }
}

// WithRequeue requeues deliveries whose handler failed on the notification
// send. Decode and routing failures are never requeued.
func WithRequeue(b bool) DispatcherOption { return func(x *Dispatcher) { x.requeueOnErr = b } }
func WithIdempotency(s usecase.IdempotencyStore) DispatcherOption {
	return func(x *Dispatcher) { x.idem = s }
}
func WithMetrics(m Metrics) DispatcherOption { return func(x *Dispatcher) { x.metrics = m } }

// NewDispatcher constructs a Dispatcher. Defaults: handler timeout=10s, fallback timeout=5s, requeue=false.
func NewDispatcher(reg *Registry, n usecase.Notifier, log *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		registry:        reg,
		notifier:        n,
		log:             log.With("component", "dispatcher"),
		handlerTimeout:  10 * time.Second,
		fallbackTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleDelivery implements DeliveryHandler.
func (d *Dispatcher) HandleDelivery(ctx context.Context, msg amqp.Delivery) {
	start := time.Now()
	action := ActionTypeOf(msg.Body)
	log := d.log.With("delivery_tag", msg.DeliveryTag, "action_type", action)

	s := &settlement{msg: msg, log: log}
	outcome := OutcomePanic
	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch panic", "panic", fmt.Sprint(r), "body", clip(string(msg.Body)))
			d.release(ctx, s)
			if !s.done {
				s.reject(false)
			}
			outcome = OutcomePanic
		}
		if d.metrics != nil {
			d.metrics.ObserveDispatch(action, outcome, time.Since(start))
		}
	}()

	outcome = d.dispatch(ctx, s, action)
}

func (d *Dispatcher) dispatch(ctx context.Context, s *settlement, action string) string {
	log := s.log
	msg := s.msg
	if d.registry == nil {
		log.Error("dispatcher has no registry")
		s.reject(false)
		return OutcomeUnrouted
	}
	h, err := d.registry.Resolve(action)
	if err != nil {
		log.Warn("no handler found for action type", "err", err)
		s.reject(false)
		return OutcomeUnrouted
	}

	env, err := DecodeEnvelope(msg.Body)
	if err != nil {
		var derr *DecodeError
		if errors.As(err, &derr) {
			log.Error("invalid message format", "reason", derr.Reason, "offset", derr.Offset, "text", derr.Text, "err", err)
		} else {
			log.Error("invalid message format", "err", err)
		}
		s.reject(false)
		return OutcomeDecodeError
	}
	task := env.Task
	log = log.With("task_id", task.TaskID, "slug", env.Slug)
	s.log = log
	log.Info("received task", "phone", task.PhoneNumber)
	if string(task.ActionType) != action {
		log.Warn("payload action type differs from envelope", "payload_action_type", task.ActionType)
	}

	if d.idem != nil {
		state, err := d.idem.Claim(ctx, task.TaskID)
		switch {
		case err != nil:
			log.Warn("idempotency claim failed, processing anyway", "err", err)
		case state == usecase.ClaimDone:
			log.Info("duplicate task, acking without handling")
			s.ack()
			return OutcomeDuplicate
		case state == usecase.ClaimInProgress:
			// an unfinished claim is left behind by a crashed or timed out delivery
			log.Warn("task claimed by an unfinished delivery, taking over")
			s.claimed = task.TaskID
		default:
			s.claimed = task.TaskID
		}
	}

	timeout := d.handlerTimeout
	if t, ok := h.(handlerTimeouter); ok && t.HandleTimeout() > 0 {
		timeout = t.HandleTimeout()
	}
	err = func() error {
		hctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return h.Handle(hctx, task, d.notifier)
	}()

	if err == nil {
		if s.claimed != "" {
			if cerr := d.idem.Complete(context.WithoutCancel(ctx), s.claimed); cerr != nil {
				log.Warn("idempotency complete failed", "err", cerr)
			}
			s.claimed = ""
		}
		s.ack()
		log.Info("sent notification successfully")
		return OutcomeAcked
	}

	requeue := false
	var herr *usecase.HandlerError
	if errors.As(err, &herr) {
		log.Error("handler failed", "err", err, "transient", herr.Transient)
		if herr.PhoneNumber != "" && herr.Fallback != "" {
			fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), d.fallbackTimeout)
			usecase.NotifyOrLog(fctx, d.notifier, log, herr.PhoneNumber, herr.Fallback)
			fcancel()
		}
		requeue = d.requeueOnErr && herr.Transient
	} else {
		log.Error("handler failed", "err", err)
	}

	d.release(ctx, s)
	s.reject(requeue)
	return OutcomeHandlerError
}

// release drops the delivery's claim, if it holds one.
func (d *Dispatcher) release(ctx context.Context, s *settlement) {
	if s.claimed == "" || d.idem == nil {
		return
	}
	if err := d.idem.Release(context.WithoutCancel(ctx), s.claimed); err != nil {
		s.log.Warn("idempotency release failed", "err", err)
	}
	s.claimed = ""
}

// settlement settles a delivery at most once.
type settlement struct {
	msg     amqp.Delivery
	log     *slog.Logger
	done    bool
	claimed string // task id claimed in the idempotency store
}

func (s *settlement) ack() {
	s.done = true
	if err := s.msg.Ack(false); err != nil {
		s.log.Error("ack failed", "err", err)
	}
}

func (s *settlement) reject(requeue bool) {
	s.done = true
	if err := s.msg.Nack(false, requeue); err != nil {
		s.log.Error("nack failed", "err", err, "requeue", requeue)
	}
}

var _ DeliveryHandler = (*Dispatcher)(nil)
