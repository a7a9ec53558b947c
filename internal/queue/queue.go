package queue

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler consumes one message. A non-nil error asks for redelivery.
type Handler func(payload any) error

// Publisher is the write side used by the services.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Queue interface
type Queue interface {
	Publisher
	Subscribe(topic string, handler Handler) error
}

// InMemoryQueue fans a message out to every handler of its topic and retries
// failed handlers with linear backoff.
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]Handler
	wg         sync.WaitGroup
	logger     *zap.Logger
	maxRetries int
	backoff    time.Duration
}

type Option func(*InMemoryQueue)

func WithMaxRetries(n int) Option {
	return func(q *InMemoryQueue) { q.maxRetries = n }
}

// WithBackoff sets the base delay; attempt n waits n*base.
func WithBackoff(base time.Duration) Option {
	return func(q *InMemoryQueue) { q.backoff = base }
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(logger *zap.Logger, opts ...Option) *InMemoryQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &InMemoryQueue{
		handlers:   make(map[string][]Handler),
		logger:     logger,
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// JobPayload wraps a message payload with retry info
type JobPayload struct {
	Topic      string
	Payload    any
	RetryCount int
	MaxRetries int
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	handlers := append([]Handler(nil), q.handlers[topic]...)
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		job := JobPayload{Topic: topic, Payload: payload, MaxRetries: q.maxRetries}
		q.wg.Add(1)
		go func(h Handler) {
			defer q.wg.Done()
			q.processJob(h, job)
		}(handler)
	}
	return nil
}

func (q *InMemoryQueue) processJob(handler Handler, job JobPayload) {
	for {
		err := handler(job.Payload)
		if err == nil {
			return
		}

		job.RetryCount++
		if job.RetryCount > job.MaxRetries {
			q.logger.Error("job permanently failed",
				zap.String("topic", job.Topic),
				zap.Int("attempts", job.RetryCount),
				zap.Error(err))
			return
		}
		q.logger.Warn("job failed, retrying",
			zap.String("topic", job.Topic),
			zap.Int("attempt", job.RetryCount),
			zap.Int("max_retries", job.MaxRetries),
			zap.Error(err))

		time.Sleep(time.Duration(job.RetryCount) * q.backoff)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every in-flight job has finished.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

var _ Queue = (*InMemoryQueue)(nil)
