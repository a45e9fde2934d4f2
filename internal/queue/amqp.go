package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/happy-bday-app-sub014/internal/domain"
)

// AMQPOptions configures the AMQP queue backend.
type AMQPOptions struct {
	URL       string
	Exchange  string
	QueueName string
	Prefetch  int
}

// AMQPQueue implements Queue on RabbitMQ. Delays ride the
// x-delayed-message exchange, which requires the delayed-message plugin
// on the broker. Rejected envelopes route to a dead exchange so nothing
// is lost when a worker gives up.
type AMQPQueue struct {
	opts AMQPOptions

	mu         sync.Mutex
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// NewAMQPQueue connects to the broker, declares the topology and starts
// the reconnect monitor.
func NewAMQPQueue(opts AMQPOptions) (*AMQPQueue, error) {
	if opts.Exchange == "" {
		opts.Exchange = "greetings"
	}
	if opts.QueueName == "" {
		opts.QueueName = "greetings.send"
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &AMQPQueue{opts: opts, ctx: ctx, cancel: cancel}
	if err := q.connect(); err != nil {
		cancel()
		return nil, err
	}
	return q, nil
}

func (q *AMQPQueue) deadExchange() string { return q.opts.Exchange + ".dead" }
func (q *AMQPQueue) deadQueue() string    { return q.opts.QueueName + ".dead" }

func (q *AMQPQueue) connect() error {
	conn, err := amqp.Dial(q.opts.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Qos(q.opts.Prefetch, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("amqp qos: %w", err)
	}

	if err := q.declareTopology(ch); err != nil {
		conn.Close()
		return err
	}

	deliveries, err := ch.Consume(q.opts.QueueName, "greetings-worker", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp consume: %w", err)
	}

	q.mu.Lock()
	q.conn = conn
	q.ch = ch
	q.deliveries = deliveries
	q.mu.Unlock()

	go q.monitor(conn)
	return nil
}

func (q *AMQPQueue) declareTopology(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(q.opts.Exchange, "x-delayed-message", true, false, false, false,
		amqp.Table{"x-delayed-type": "direct"})
	if err != nil {
		return fmt.Errorf("declare delayed exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(q.deadExchange(), "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead exchange: %w", err)
	}
	_, err = ch.QueueDeclare(q.opts.QueueName, true, false, false, false,
		amqp.Table{"x-dead-letter-exchange": q.deadExchange()})
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if _, err := ch.QueueDeclare(q.deadQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead queue: %w", err)
	}
	if err := ch.QueueBind(q.opts.QueueName, q.opts.QueueName, q.opts.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	if err := ch.QueueBind(q.deadQueue(), "", q.deadExchange(), false, nil); err != nil {
		return fmt.Errorf("bind dead queue: %w", err)
	}
	return nil
}

// monitor reconnects with exponential backoff whenever the broker drops
// the connection. It exits once Close cancels the queue context.
func (q *AMQPQueue) monitor(conn *amqp.Connection) {
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	select {
	case <-q.ctx.Done():
		return
	case amqpErr := <-closeCh:
		if amqpErr == nil {
			return
		}
		log.Printf("[AMQPQueue] connection lost: %v, reconnecting", amqpErr)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		if err := q.connect(); err != nil {
			log.Printf("[AMQPQueue] reconnect failed: %v", err)
			return err
		}
		return nil
	}, backoff.WithContext(bo, q.ctx))
	if err != nil && q.ctx.Err() == nil {
		log.Printf("[AMQPQueue] giving up on reconnect: %v", err)
	}
}

// Publish sends the envelope with an x-delay header. The plugin caps
// delays at int32 milliseconds, far beyond the one day this system
// ever needs.
func (q *AMQPQueue) Publish(ctx context.Context, env domain.Envelope, delay time.Duration) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	headers := amqp.Table{}
	if delay > 0 {
		headers["x-delay"] = clampDelayMillis(delay)
	}

	q.mu.Lock()
	ch := q.ch
	q.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("publish: not connected")
	}

	err = ch.PublishWithContext(ctx, q.opts.Exchange, q.opts.QueueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Consume returns the next buffered delivery without blocking.
func (q *AMQPQueue) Consume(ctx context.Context, workerID string) (*Delivery, error) {
	q.mu.Lock()
	deliveries := q.deliveries
	q.mu.Unlock()
	if deliveries == nil {
		return nil, ErrNoMessage
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-deliveries:
		if !ok {
			// Channel died; the monitor is reconnecting.
			return nil, ErrNoMessage
		}
		var env domain.Envelope
		if err := json.Unmarshal(msg.Body, &env); err != nil {
			log.Printf("[AMQPQueue] worker %s rejecting undecodable payload: %v", workerID, err)
			if nackErr := msg.Nack(false, false); nackErr != nil {
				return nil, fmt.Errorf("reject undecodable payload: %w", nackErr)
			}
			return nil, ErrNoMessage
		}
		m := msg
		return &Delivery{Envelope: env, amqpMsg: &m}, nil
	default:
		return nil, ErrNoMessage
	}
}

// Ack settles the delivery with the broker.
func (q *AMQPQueue) Ack(ctx context.Context, d *Delivery) error {
	if d.amqpMsg == nil {
		return fmt.Errorf("ack: delivery has no broker receipt")
	}
	if err := d.amqpMsg.Ack(false); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Requeue republishes the same payload with a fresh delay, then settles
// the original. The delayed exchange has no native delayed nack.
func (q *AMQPQueue) Requeue(ctx context.Context, d *Delivery, delay time.Duration) error {
	if d.amqpMsg == nil {
		return fmt.Errorf("requeue: delivery has no broker receipt")
	}
	if err := q.Publish(ctx, d.Envelope, delay); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	if err := d.amqpMsg.Ack(false); err != nil {
		return fmt.Errorf("requeue ack: %w", err)
	}
	return nil
}

// DeadLetter publishes the annotated payload to the dead exchange, then
// settles the original. Falls back to a broker-side reject when the
// publish fails so the envelope still lands on the dead queue.
func (q *AMQPQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	if d.amqpMsg == nil {
		return fmt.Errorf("dead-letter: delivery has no broker receipt")
	}
	entry, err := json.Marshal(deadEntry{
		Payload:  d.amqpMsg.Body,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead entry: %w", err)
	}

	q.mu.Lock()
	ch := q.ch
	q.mu.Unlock()
	if ch == nil {
		return d.amqpMsg.Nack(false, false)
	}

	err = ch.PublishWithContext(ctx, q.deadExchange(), "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         entry,
	})
	if err != nil {
		log.Printf("[AMQPQueue] dead publish failed, rejecting instead: %v", err)
		return d.amqpMsg.Nack(false, false)
	}
	return d.amqpMsg.Ack(false)
}

// Depth reports the ready count on the main queue. Messages parked in
// the delayed exchange are not visible to a passive declare.
func (q *AMQPQueue) Depth(ctx context.Context) (int64, error) {
	q.mu.Lock()
	ch := q.ch
	q.mu.Unlock()
	if ch == nil {
		return 0, fmt.Errorf("queue depth: not connected")
	}
	state, err := ch.QueueDeclarePassive(q.opts.QueueName, true, false, false, false,
		amqp.Table{"x-dead-letter-exchange": q.deadExchange()})
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return int64(state.Messages), nil
}

// Ping verifies the connection is alive.
func (q *AMQPQueue) Ping(ctx context.Context) error {
	q.mu.Lock()
	conn := q.conn
	q.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return fmt.Errorf("amqp: not connected")
	}
	return nil
}

// Close stops the monitor and tears down the connection.
func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	conn := q.conn
	q.mu.Unlock()

	q.cancel()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func clampDelayMillis(d time.Duration) int32 {
	ms := d.Milliseconds()
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(ms)
}
