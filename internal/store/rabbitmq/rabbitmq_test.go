package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type declared struct {
	name string
	args amqp.Table
}

type published struct {
	key string
	msg amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	declared   []declared
	published  []published
	publishErr error
	qos        int
	deliveries chan amqp.Delivery
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared = append(f.declared, declared{name: name, args: args})
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.qos = prefetchCount
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) publishedTo(key string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.published {
		if p.key == key {
			out = append(out, p)
		}
	}
	return out
}

type ackResult struct {
	acked   bool
	nacked  bool
	requeue bool
}

type fakeAcker struct {
	mu      sync.Mutex
	results map[uint64]ackResult
	done    chan uint64
}

func newFakeAcker() *fakeAcker {
	return &fakeAcker{results: map[uint64]ackResult{}, done: make(chan uint64, 16)}
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	a.results[tag] = ackResult{acked: true}
	a.mu.Unlock()
	a.done <- tag
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	a.results[tag] = ackResult{nacked: true, requeue: requeue}
	a.mu.Unlock()
	a.done <- tag
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcker) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-a.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d settlements, got %d", n, i)
		}
	}
}

func (a *fakeAcker) result(tag uint64) ackResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.results[tag]
}

func TestDeclareTopology(t *testing.T) {
	ch := &fakeChannel{}
	require.NoError(t, DeclareTopology(ch, "BotResponseCreated", 3*time.Second))

	require.Len(t, ch.declared, 3)
	byName := map[string]amqp.Table{}
	for _, d := range ch.declared {
		byName[d.name] = d.args
	}

	assert.Contains(t, byName, "BotResponseCreated.dlq")
	assert.Equal(t, "BotResponseCreated.retry", byName["BotResponseCreated"]["x-dead-letter-routing-key"])
	assert.Equal(t, "BotResponseCreated", byName["BotResponseCreated.retry"]["x-dead-letter-routing-key"])
	assert.Equal(t, int64(3000), byName["BotResponseCreated.retry"]["x-message-ttl"])
}

func TestPublisher_SetsEnvelopeProperties(t *testing.T) {
	ch := &fakeChannel{}
	p := &Publisher{pub: ch, queue: "UserPromptReceived"}

	err := p.Publish(context.Background(), Envelope{
		ID:            "01HZX",
		CorrelationID: "trace-1",
		Type:          "chat.generation_requested",
		Body:          map[string]any{"conversation_id": 1},
	})
	require.NoError(t, err)

	out := ch.publishedTo("UserPromptReceived")
	require.Len(t, out, 1)
	msg := out[0].msg
	assert.Equal(t, "01HZX", msg.MessageId)
	assert.Equal(t, "trace-1", msg.CorrelationId)
	assert.Equal(t, "chat.generation_requested", msg.Type)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	assert.EqualValues(t, 1, body["conversation_id"])
}

func TestPublisher_SurfacesErrors(t *testing.T) {
	ch := &fakeChannel{publishErr: amqp.ErrClosed}
	p := &Publisher{pub: ch, queue: "q"}

	err := p.Publish(context.Background(), Envelope{Body: "x"})
	assert.ErrorIs(t, err, amqp.ErrClosed)
}

func TestDeathCount(t *testing.T) {
	d := amqp.Delivery{Headers: amqp.Table{
		"x-death": []any{
			amqp.Table{"queue": "q", "reason": "rejected", "count": int64(2)},
			amqp.Table{"queue": "q.retry", "reason": "expired", "count": int64(2)},
		},
	}}
	assert.Equal(t, 2, DeathCount(d, "q"))
	assert.Equal(t, 0, DeathCount(amqp.Delivery{}, "q"))
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad payload")
	err := Permanent(base)

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.NoError(t, Permanent(nil))
}

func runConsumer(t *testing.T, ch *fakeChannel, maxAttempts int, h HandlerFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := NewConsumer(ch, ConsumerOptions{Queue: "q", Concurrency: 2, MaxAttempts: maxAttempts}, h, nil)

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("consumer did not stop")
		}
	})
}

func TestConsumer_SettlesByOutcome(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 8)}
	acker := newFakeAcker()

	runConsumer(t, ch, 5, func(ctx context.Context, d amqp.Delivery) error {
		switch string(d.Body) {
		case "ok":
			return nil
		case "bad":
			return Permanent(errors.New("malformed"))
		default:
			return errors.New("db down")
		}
	})

	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte("ok")}
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 2, Body: []byte("bad"), MessageId: "m2"}
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 3, Body: []byte("flaky")}
	acker.wait(t, 3)

	assert.True(t, acker.result(1).acked)
	assert.True(t, acker.result(2).acked, "permanent failures are parked then acked")
	assert.Equal(t, ackResult{nacked: true, requeue: false}, acker.result(3))

	parked := ch.publishedTo("q.dlq")
	require.Len(t, parked, 1)
	assert.Equal(t, "m2", parked[0].msg.MessageId)
	assert.Equal(t, "malformed", parked[0].msg.Headers["x-last-error"])
	assert.Equal(t, 2, ch.qos)
}

func TestConsumer_ParksAfterMaxAttempts(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 1)}
	acker := newFakeAcker()

	runConsumer(t, ch, 3, func(ctx context.Context, d amqp.Delivery) error {
		return errors.New("still failing")
	})

	ch.deliveries <- amqp.Delivery{
		Acknowledger: acker,
		DeliveryTag:  7,
		Body:         []byte("{}"),
		Headers: amqp.Table{"x-death": []any{
			amqp.Table{"queue": "q", "reason": "rejected", "count": int64(2)},
		}},
	}
	acker.wait(t, 1)

	assert.True(t, acker.result(7).acked)
	assert.Len(t, ch.publishedTo("q.dlq"), 1)
}

func TestConsumer_ReturnsWhenDeliveriesClose(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery)}
	close(ch.deliveries)

	c := NewConsumer(ch, ConsumerOptions{Queue: "q"}, func(context.Context, amqp.Delivery) error { return nil }, nil)
	err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrDeliveriesClosed)
}

func TestConsumer_ShutdownRequeuesUndispatchedDelivery(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery)}
	acker := newFakeAcker()
	started := make(chan struct{}, 4)
	release := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	c := NewConsumer(ch, ConsumerOptions{Queue: "q", Concurrency: 1}, func(ctx context.Context, d amqp.Delivery) error {
		started <- struct{}{}
		<-release
		return nil
	}, nil)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never started")
	}
	// 2 waits in the pool buffer, 3 is held by the dispatcher
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 2}
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 3}

	cancel()
	acker.wait(t, 1)
	assert.Equal(t, ackResult{nacked: true, requeue: true}, acker.result(3))

	close(release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.True(t, acker.result(1).acked)
}
