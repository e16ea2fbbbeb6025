package queue

import (
	"context"
	"fmt"

	domain "github.com/aq2208/zalo-notifier/internal/entity"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the publishing side of the Manager.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// TaskProducer publishes task envelopes, the way the upstream application does.
type TaskProducer struct {
	pub        Publisher
	source     string
	exchange   string
	routingKey string
}

// NewTaskProducer targets exchange/routingKey. With no exchange the routing
// key is the queue name on the default exchange.
func NewTaskProducer(pub Publisher, source, exchange, routingKey string) *TaskProducer {
	if source == "" {
		source = "zalo-notifier"
	}
	return &TaskProducer{pub: pub, source: source, exchange: exchange, routingKey: routingKey}
}

// Publish fills a missing TaskId, encodes the envelope and sends it as a
// persistent message. It returns the task id used.
func (p *TaskProducer) Publish(ctx context.Context, task domain.Task) (string, error) {
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	body, err := EncodeEnvelope(p.source, task, task.TaskID)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent, // survive broker restarts
		MessageId:    task.TaskID,
		Type:         string(task.ActionType),
		Body:         body,
	}
	if err := p.pub.Publish(ctx, p.exchange, p.routingKey, msg); err != nil {
		return "", err
	}
	return task.TaskID, nil
}
