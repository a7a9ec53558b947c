package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Channel is the subset of *amqp.Channel used by AMQPQueue.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// AMQPQueue publishes JSON messages to a durable topic exchange. The topic is
// used as the routing key. Subscribers receive the raw JSON body as []byte.
type AMQPQueue struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       Channel
	exchange string
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// DialAMQP connects to RabbitMQ and declares the exchange.
func DialAMQP(url, exchange string, logger *zap.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	q, err := NewAMQPQueue(ch, exchange, logger)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	q.conn = conn
	return q, nil
}

func NewAMQPQueue(ch Channel, exchange string, logger *zap.Logger) (*AMQPQueue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}
	return &AMQPQueue{ch: ch, exchange: exchange, logger: logger}, nil
}

func (q *AMQPQueue) Publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", topic, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.Publish(q.exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Subscribe binds a durable queue named after the topic and consumes it with manual acks.
// Failed deliveries are requeued once; a redelivered message that fails again is dropped.
func (q *AMQPQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	declared, err := q.ch.QueueDeclare(topic, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declaring queue %s: %w", topic, err)
	}
	if err := q.ch.QueueBind(declared.Name, topic, q.exchange, false, nil); err != nil {
		return fmt.Errorf("binding queue %s: %w", topic, err)
	}
	deliveries, err := q.ch.Consume(declared.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming %s: %w", topic, err)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for d := range deliveries {
			q.handle(topic, d, handler)
		}
	}()
	return nil
}

func (q *AMQPQueue) handle(topic string, d amqp.Delivery, handler Handler) {
	err := handler(d.Body)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			q.logger.Warn("ack failed", zap.String("topic", topic), zap.Error(ackErr))
		}
		return
	}

	requeue := !d.Redelivered
	q.logger.Warn("message handler failed",
		zap.String("topic", topic),
		zap.Bool("requeue", requeue),
		zap.Error(err))
	if nackErr := d.Nack(false, requeue); nackErr != nil {
		q.logger.Warn("nack failed", zap.String("topic", topic), zap.Error(nackErr))
	}
}

// Close closes the channel and connection and waits for consumers to drain.
func (q *AMQPQueue) Close() error {
	err := q.ch.Close()
	if q.conn != nil {
		if cerr := q.conn.Close(); err == nil {
			err = cerr
		}
	}
	q.wg.Wait()
	return err
}

var _ Queue = (*AMQPQueue)(nil)
