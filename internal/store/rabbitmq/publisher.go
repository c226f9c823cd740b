package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

// Envelope is one outgoing message. ID becomes the AMQP MessageId and
// CorrelationID the CorrelationId; Body is encoded as JSON.
type Envelope struct {
	ID            string
	CorrelationID string
	Type          string
	Body          any
}

// amqpPublisher is the publishing half of *amqp.Channel.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	pub   amqpPublisher
	queue string
}

// NewPublisher connects to url and declares the topology for queue.
func NewPublisher(url, queue string, retryDelay time.Duration) (*Publisher, error) {
	conn, ch, err := Dial(url)
	if err != nil {
		return nil, err
	}
	if err := DeclareTopology(ch, queue, retryDelay); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, pub: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Publish sends env to the publisher's queue as a persistent message.
func (p *Publisher) Publish(ctx context.Context, env Envelope) error {
	return p.PublishTo(ctx, p.queue, env)
}

func (p *Publisher) PublishTo(ctx context.Context, queue string, env Envelope) error {
	body, err := json.Marshal(env.Body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}

	cctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return p.pub.PublishWithContext(cctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     env.ID,
			CorrelationId: env.CorrelationID,
			Type:          env.Type,
			Body:          body,
			Timestamp:     time.Now(),
		},
	)
}
