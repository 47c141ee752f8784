package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitQueue publishes persistent messages to a durable queue on the default
// exchange and waits for broker confirms. Consumers use manual acks with a
// prefetch limit.
type RabbitQueue struct {
	conn     *amqp.Connection
	name     string
	prefetch int
	logger   *slog.Logger

	mu    sync.Mutex // guards pubCh; confirm-mode channels are not safe for concurrent publishers
	pubCh *amqp.Channel

	consumersMu sync.Mutex
	consumers   []*amqp.Channel // closed by Close so late acks still land
}

// DialRabbit connects to url, retrying with backoff for up to a minute, and
// declares the durable queue.
func DialRabbit(ctx context.Context, url, name string, prefetch int, logger *slog.Logger) (*RabbitQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if prefetch < 1 {
		prefetch = 1
	}

	var conn *amqp.Connection
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = time.Minute
	err := backoff.Retry(func() error {
		c, err := amqp.Dial(url)
		if err != nil {
			logger.Warn("rabbitmq_dial_failed", "error", err)
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	q := &RabbitQueue{conn: conn, name: name, prefetch: prefetch, logger: logger}

	ch, err := q.openChannel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	q.pubCh = ch
	return q, nil
}

func (q *RabbitQueue) openChannel() (*amqp.Channel, error) {
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	_, err = ch.QueueDeclare(
		q.name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", q.name, err)
	}
	return ch, nil
}

func (q *RabbitQueue) Publish(ctx context.Context, jobID uuid.UUID) error {
	body, err := encode(jobID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pubCh == nil || q.pubCh.IsClosed() {
		ch, err := q.openChannel()
		if err != nil {
			return err
		}
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return fmt.Errorf("enable publisher confirms: %w", err)
		}
		q.pubCh = ch
	}

	dc, err := q.pubCh.PublishWithDeferredConfirmWithContext(ctx,
		"",
		q.name,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    jobID.String(),
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("rabbitmq publish confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("rabbitmq publish: broker nacked job %s", jobID)
	}
	return nil
}

func (q *RabbitQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	ch, err := q.openChannel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	tag := "smartscale-" + uuid.NewString()[:8]
	msgs, err := ch.Consume(
		q.name,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", q.name, err)
	}

	q.consumersMu.Lock()
	q.consumers = append(q.consumers, ch)
	q.consumersMu.Unlock()

	// On cancellation the consumer stops receiving but its channel stays open:
	// deliveries already handed out are acked on it after ctx ends.
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				q.stopConsumer(ch, tag, msgs)
				return
			case msg, ok := <-msgs:
				if !ok {
					q.logger.Error("rabbitmq_channel_closed", "queue", q.name)
					return
				}
				id, err := decode(msg.Body)
				if err != nil {
					q.logger.Error("queue_malformed_message", "queue", q.name, "error", err)
					_ = msg.Nack(false, false)
					continue
				}
				select {
				case out <- &rabbitDelivery{msg: msg, id: id}:
				case <-ctx.Done():
					_ = msg.Nack(false, true)
					q.stopConsumer(ch, tag, msgs)
					return
				}
			}
		}
	}()
	return out, nil
}

// stopConsumer cancels the subscription and requeues whatever the broker had
// already pushed to it.
func (q *RabbitQueue) stopConsumer(ch *amqp.Channel, tag string, msgs <-chan amqp.Delivery) {
	if err := ch.Cancel(tag, false); err != nil {
		q.logger.Warn("rabbitmq_cancel_failed", "queue", q.name, "error", err)
		return
	}
	for msg := range msgs {
		_ = msg.Nack(false, true)
	}
}

func (q *RabbitQueue) Ping(ctx context.Context) error {
	if q.conn == nil || q.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection closed")
	}
	return nil
}

func (q *RabbitQueue) Close() error {
	q.consumersMu.Lock()
	for _, ch := range q.consumers {
		_ = ch.Close()
	}
	q.consumers = nil
	q.consumersMu.Unlock()

	q.mu.Lock()
	if q.pubCh != nil {
		q.pubCh.Close()
	}
	q.mu.Unlock()
	return q.conn.Close()
}

type rabbitDelivery struct {
	msg amqp.Delivery
	id  uuid.UUID
}

func (d *rabbitDelivery) JobID() uuid.UUID { return d.id }

func (d *rabbitDelivery) Ack(ctx context.Context) error {
	return d.msg.Ack(false)
}

func (d *rabbitDelivery) Nack(ctx context.Context, requeue bool) error {
	return d.msg.Nack(false, requeue)
}
