package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"
)

// AMQPBus is the distributed broker: one durable topic exchange, one
// durable queue per subscribed topic, manual acks. A retryable nack
// requeues on the broker; a non-retryable one relies on the queue's
// dead-letter configuration.
type AMQPBus struct {
	conn     *amqp.Connection
	exchange string

	mu      sync.Mutex
	pubChan *amqp.Channel
	closed  bool
	wg      sync.WaitGroup
	cancel  []func()
}

// NewAMQPBus connects to the broker and declares the exchange.
func NewAMQPBus(url, exchange string) (*AMQPBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}

	notifyClose := make(chan *amqp.Error)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			slog.Error("AMQP connection closed", "error", err)
		}
	}()

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	// ExchangeDeclare is idempotent when the exchange already exists with
	// the same settings.
	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &AMQPBus{conn: conn, exchange: exchange, pubChan: ch}, nil
}

// Publish sends the envelope to the exchange with the topic as routing key.
func (b *AMQPBus) Publish(ctx context.Context, topic string, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	headers := make(amqp.Table, len(env.Headers))
	for k, v := range env.Headers {
		headers[k] = v
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	return b.pubChan.Publish(
		b.exchange, topic, false, false,
		amqp.Publishing{
			ContentType:   "application/json",
			MessageId:     env.EventID,
			Type:          env.EventType,
			CorrelationId: env.CorrelationID,
			Timestamp:     env.Timestamp,
			Body:          body,
			Headers:       headers,
		},
	)
}

// Subscribe binds a durable queue to the topic and consumes it.
func (b *AMQPBus) Subscribe(topic string, h Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	queueName := b.exchange + "." + topic
	q, err := ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // auto-delete
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, topic, b.exchange, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	msgs, err := ch.Consume(
		q.Name, // queue
		"",     // consumer tag
		false,  // auto-ack
		false,  // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	b.mu.Lock()
	b.cancel = append(b.cancel, func() { ch.Close() })
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range msgs {
			b.handleMessage(msg, h)
		}
	}()
	return nil
}

func (b *AMQPBus) handleMessage(msg amqp.Delivery, h Handler) {
	var env Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		slog.Error("discarding undecodable AMQP message", "message_id", msg.MessageId, "error", err)
		_ = msg.Nack(false, false)
		return
	}

	d := NewDelivery(&env,
		func() { _ = msg.Ack(false) },
		func(retryable bool) { _ = msg.Nack(false, retryable) },
	)
	h(context.Background(), d)
}

// Close shuts down consumers and the connection.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancels := b.cancel
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubChan != nil {
		b.pubChan.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
