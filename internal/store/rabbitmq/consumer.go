package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDeliveriesClosed is returned by Run when the broker closes the delivery
// channel, usually because the connection dropped.
var ErrDeliveriesClosed = errors.New("rabbitmq: delivery channel closed")

// HandlerFunc processes one delivery. Returning nil acks it. An error wrapped
// with Permanent parks it in the dead-letter queue; any other error sends it
// through the retry queue.
type HandlerFunc func(ctx context.Context, d amqp.Delivery) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// ConsumerChannel is the part of *amqp.Channel the consumer needs.
type ConsumerChannel interface {
	QueueDeclarer
	amqpPublisher
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

type ConsumerOptions struct {
	Queue       string
	Concurrency int
	MaxAttempts int
	RetryDelay  time.Duration
}

type Consumer struct {
	ch      ConsumerChannel
	opts    ConsumerOptions
	handler HandlerFunc
	logger  *slog.Logger
}

func NewConsumer(ch ConsumerChannel, opts ConsumerOptions, handler HandlerFunc, logger *slog.Logger) *Consumer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		ch:      ch,
		opts:    opts,
		handler: handler,
		logger:  logger.With("component", "rabbitmq.consumer", "queue", opts.Queue),
	}
}

// Run declares the topology, consumes until ctx is done, then waits for
// in-flight deliveries to finish.
func (c *Consumer) Run(ctx context.Context) error {
	if err := DeclareTopology(c.ch, c.opts.Queue, c.opts.RetryDelay); err != nil {
		return err
	}

	//  strict concurrency control
	if err := c.ch.Qos(c.opts.Concurrency, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}

	msgs, err := c.ch.Consume(c.opts.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.logger.Info("consumer started", "concurrency", c.opts.Concurrency, "max_attempts", c.opts.MaxAttempts)

	// worker pool
	jobs := make(chan amqp.Delivery, c.opts.Concurrency)

	var wg sync.WaitGroup
	wg.Add(c.opts.Concurrency)
	for i := 0; i < c.opts.Concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.handle(ctx, workerID, d)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer shutting down")
			return nil

		case d, ok := <-msgs:
			if !ok {
				return ErrDeliveriesClosed
			}
			select {
			case jobs <- d:
			case <-ctx.Done():
				// not started; hand it back to the queue untouched
				_ = d.Nack(false, true)
				c.logger.Info("consumer shutting down")
				return nil
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, workerID int, d amqp.Delivery) {
	start := time.Now()
	attempt := DeathCount(d, c.opts.Queue) + 1
	log := c.logger.With("worker", workerID, "message_id", d.MessageId, "trace_id", d.CorrelationId, "attempt", attempt)

	err := c.handler(ctx, d)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error("ack failed", "err", ackErr)
		}
		return
	}

	switch {
	case IsPermanent(err):
		log.Error("delivery rejected", "err", err, "cost", time.Since(start))
		c.park(ctx, log, d, err)
	case attempt >= c.opts.MaxAttempts:
		log.Error("delivery retries exhausted", "err", err, "cost", time.Since(start))
		c.park(ctx, log, d, err)
	default:
		log.Warn("delivery failed, scheduling retry", "err", err, "cost", time.Since(start))
		if nackErr := d.Nack(false, false); nackErr != nil {
			log.Error("nack failed", "err", nackErr)
		}
	}
}

// park copies d into the dead-letter queue and acks the original. If the copy
// cannot be published the delivery goes back through the retry queue instead.
func (c *Consumer) park(ctx context.Context, log *slog.Logger, d amqp.Delivery, cause error) {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers["x-last-error"] = cause.Error()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err := c.ch.PublishWithContext(pctx, "", DeadLetterQueue(c.opts.Queue), false, false, amqp.Publishing{
		Headers:       headers,
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     d.MessageId,
		CorrelationId: d.CorrelationId,
		Type:          d.Type,
		Timestamp:     d.Timestamp,
		Body:          d.Body,
	})
	if err != nil {
		log.Error("park in dlq failed", "err", err)
		_ = d.Nack(false, false)
		return
	}
	if err := d.Ack(false); err != nil {
		log.Error("ack failed", "err", err)
	}
}

// DeathCount returns how many times d was dead-lettered out of queue, taken
// from the broker-maintained x-death header.
func DeathCount(d amqp.Delivery, queue string) int {
	deaths, ok := d.Headers["x-death"].([]any)
	if !ok {
		return 0
	}
	total := 0
	for _, raw := range deaths {
		entry, ok := raw.(amqp.Table)
		if !ok {
			continue
		}
		if q, _ := entry["queue"].(string); q != queue {
			continue
		}
		switch n := entry["count"].(type) {
		case int64:
			total += int(n)
		case int32:
			total += int(n)
		case int:
			total += n
		}
	}
	return total
}
