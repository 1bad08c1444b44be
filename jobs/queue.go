package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

const (
	// Exchange is the topic exchange all invobot job traffic flows through.
	Exchange = "invobot.jobs"

	// RoutingKeyDocument routes document-indexing jobs.
	RoutingKeyDocument = "jobs.document"

	maxDialDelay = 60 * time.Second
)

// DialOptions configures the broker connection.
type DialOptions struct {
	URL           string
	RetryAttempts int
	Delay         time.Duration
	Logger        *slog.Logger
}

// DialWithRetry connects to RabbitMQ with exponential backoff, respecting
// context cancellation.
func DialWithRetry(ctx context.Context, opts DialOptions) (*amqp091.Connection, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 5
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}

	var lastErr error
	for i := 1; i <= opts.RetryAttempts; i++ {
		conn, err := amqp091.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				logger.Info("rabbit connected", "attempt", i)
			}
			return conn, nil
		}
		lastErr = err

		sleep := opts.Delay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		logger.Warn("rabbit dial failed", "attempt", i, "sleep", sleep, "error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("jobs: dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("jobs: failed to connect to RabbitMQ after %d attempts: %w", opts.RetryAttempts, lastErr)
}

// Publisher enqueues document jobs.
type Publisher struct {
	conn   *amqp091.Connection
	logger *slog.Logger
}

// NewPublisher declares the exchange and returns a publisher over conn.
func NewPublisher(conn *amqp091.Connection, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("jobs: open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("jobs: declare exchange: %w", err)
	}
	return &Publisher{conn: conn, logger: logger}, nil
}

// PublishDocument enqueues one document job as a persistent JSON message.
func (p *Publisher) PublishDocument(ctx context.Context, payload DocumentJob) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("jobs: open channel: %w", err)
	}
	defer ch.Close()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("jobs: marshal job: %w", err)
	}

	err = ch.PublishWithContext(ctx, Exchange, RoutingKeyDocument, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("jobs: publish document job: %w", err)
	}
	p.logger.Info("document job published", "doc_id", payload.DocID, "sender", payload.SenderID)
	return nil
}

// Close closes the broker connection.
func (p *Publisher) Close() error {
	return p.conn.Close()
}

// DocumentHandler processes one dequeued document job.
type DocumentHandler func(ctx context.Context, payload DocumentJob) error

// Consumer drains the document job queue into a handler.
type Consumer struct {
	conn           *amqp091.Connection
	ch             *amqp091.Channel
	logger         *slog.Logger
	handler        DocumentHandler
	handlerTimeout time.Duration
	queueName      string
	done           chan struct{}
	wg             sync.WaitGroup
	once           sync.Once
}

// ConsumerOptions configures a queue consumer.
type ConsumerOptions struct {
	QueueName      string
	Prefetch       int           // Defaults to 10
	HandlerTimeout time.Duration // Defaults to 5 minutes
	Logger         *slog.Logger
}

// NewConsumer declares the queue, binds it to the exchange and returns a
// consumer that is not yet started.
func NewConsumer(conn *amqp091.Connection, handler DocumentHandler, opts ConsumerOptions) (*Consumer, error) {
	if handler == nil {
		return nil, fmt.Errorf("jobs: consumer handler is required")
	}
	if opts.QueueName == "" {
		opts.QueueName = "invobot.documents"
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 10
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("jobs: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("jobs: declare exchange: %w", err)
	}
	if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("jobs: set qos: %w", err)
	}
	q, err := ch.QueueDeclare(opts.QueueName, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("jobs: declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, RoutingKeyDocument, Exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("jobs: bind queue: %w", err)
	}

	return &Consumer{
		conn:           conn,
		ch:             ch,
		logger:         opts.Logger,
		handler:        handler,
		handlerTimeout: opts.HandlerTimeout,
		queueName:      q.Name,
		done:           make(chan struct{}),
	}, nil
}

// Start begins consuming the queue declared at construction time. Failed
// deliveries are requeued once; redelivered failures are dropped so a
// poison message cannot wedge the queue.
func (c *Consumer) Start() error {
	var startErr error
	c.once.Do(func() {
		msgs, err := c.ch.Consume(c.queueName, "", false, false, false, false, nil)
		if err != nil {
			startErr = fmt.Errorf("jobs: consume: %w", err)
			return
		}

		c.wg.Add(1)
		go c.loop(msgs)
		c.logger.Info("job consumer started", "queue", c.queueName)
	})
	return startErr
}

func (c *Consumer) loop(msgs <-chan amqp091.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			c.handle(msg)
		}
	}
}

func (c *Consumer) handle(msg amqp091.Delivery) {
	var payload DocumentJob
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		c.logger.Error("dropping malformed job message", "message_id", msg.MessageId, "error", err)
		_ = msg.Nack(false, false)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.handlerTimeout)
	err := c.handler(ctx, payload)
	cancel()

	if err != nil {
		c.logger.Error("job handler failed", "doc_id", payload.DocID, "redelivered", msg.Redelivered, "error", err)
		_ = msg.Nack(false, !msg.Redelivered)
		return
	}
	_ = msg.Ack(false)
}

// Close stops the consumer and closes the channel.
func (c *Consumer) Close() error {
	close(c.done)
	c.wg.Wait()
	return c.ch.Close()
}
