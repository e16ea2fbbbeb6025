package queue

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes a single delivery and settles it (ack or reject)
// itself. It must not panic back into the consume loop.
type DeliveryHandler interface {
	HandleDelivery(ctx context.Context, d amqp.Delivery)
}

type DeliveryHandlerFunc func(ctx context.Context, d amqp.Delivery)

func (f DeliveryHandlerFunc) HandleDelivery(ctx context.Context, d amqp.Delivery) { f(ctx, d) }
