package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

// Publisher is the subset of *amqp.Channel used for delivery.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPDispatcher publishes events as persistent JSON messages on a durable queue.
type AMQPDispatcher struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	pub    Publisher
	queue  string
	logger *slog.Logger
}

// DialAMQP connects to the broker and declares the queue.
func DialAMQP(url, queue string, logger *slog.Logger) (*AMQPDispatcher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %q: %w", queue, err)
	}

	d := NewAMQPDispatcher(ch, q.Name, logger)
	d.conn = conn
	d.ch = ch
	return d, nil
}

// NewAMQPDispatcher publishes through an already opened channel.
func NewAMQPDispatcher(pub Publisher, queue string, logger *slog.Logger) *AMQPDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPDispatcher{pub: pub, queue: queue, logger: logger}
}

func (d *AMQPDispatcher) Dispatch(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    e.OccurredAt,
		Type:         e.Kind,
		Body:         body,
	}
	if err := d.pub.PublishWithContext(ctx, "", d.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", e.Kind, err)
	}
	d.logger.Debug("event published", "kind", e.Kind, "queue", d.queue, "message_id", msg.MessageId)
	return nil
}

// Close releases the channel and connection opened by DialAMQP.
func (d *AMQPDispatcher) Close() error {
	var err error
	if d.ch != nil {
		err = errors.Join(err, d.ch.Close())
	}
	if d.conn != nil {
		err = errors.Join(err, d.conn.Close())
	}
	return err
}
