package queue

import (
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const reconnectDelay = 5 * time.Second

var _ Bus = (*RabbitMQBus)(nil)

// RabbitMQBus maps one fanout exchange per subject. Reconnection is
// handled in the background; publishes during an outage fail fast and
// the caller decides whether the event mattered.
type RabbitMQBus struct {
	url string
	log *zap.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

func NewRabbitMQBus(url string, log *zap.Logger) (*RabbitMQBus, error) {
	conn, ch, err := dialRabbitMQ(url)
	if err != nil {
		return nil, err
	}

	b := &RabbitMQBus{url: url, log: log, conn: conn, channel: ch}
	go b.monitor()

	log.Info("connected to rabbitmq", zap.String("url", url))
	return b, nil
}

func dialRabbitMQ(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("opening rabbitmq channel: %w", err)
	}
	return conn, ch, nil
}

func (b *RabbitMQBus) Publish(subject string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.channel == nil {
		return fmt.Errorf("rabbitmq: channel not available")
	}

	if err := b.channel.ExchangeDeclare(subject, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: declaring exchange: %w", err)
	}

	err := b.channel.Publish(subject, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        data,
		Timestamp:   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: publishing: %w", err)
	}
	return nil
}

func (b *RabbitMQBus) Subscribe(subject string, handler func(data []byte) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.channel == nil {
		return fmt.Errorf("rabbitmq: channel not available")
	}

	if err := b.channel.ExchangeDeclare(subject, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: declaring exchange: %w", err)
	}

	q, err := b.channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: declaring queue: %w", err)
	}
	if err := b.channel.QueueBind(q.Name, "", subject, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: binding queue: %w", err)
	}

	msgs, err := b.channel.Consume(q.Name, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: consuming: %w", err)
	}

	go func() {
		for msg := range msgs {
			if err := handler(msg.Body); err != nil {
				b.log.Error("handling message", zap.String("exchange", subject), zap.Error(err))
			}
		}
	}()
	return nil
}

func (b *RabbitMQBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	if b.channel != nil {
		b.channel.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *RabbitMQBus) monitor() {
	for {
		reason, ok := <-b.conn.NotifyClose(make(chan *amqp.Error))
		if !ok {
			return
		}

		b.mu.RLock()
		closed := b.closed
		b.mu.RUnlock()
		if closed {
			return
		}
		b.log.Warn("rabbitmq connection lost", zap.String("reason", reason.Reason))

		for {
			time.Sleep(reconnectDelay)
			conn, ch, err := dialRabbitMQ(b.url)
			if err != nil {
				b.log.Error("reconnecting to rabbitmq", zap.Error(err))
				continue
			}

			b.mu.Lock()
			b.conn = conn
			b.channel = ch
			b.mu.Unlock()

			b.log.Info("reconnected to rabbitmq")
			break
		}
	}
}
