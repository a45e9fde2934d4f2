// Package queue abstracts the durable delivery queue that carries
// greeting envelopes from the dispatcher to the send workers.
// Implementations provide at-least-once delivery with per-message
// delays; consumers own deduplication.
package queue

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/happy-bday-app-sub014/internal/domain"
)

// ErrNoMessage is returned when no message is ready for consumption.
var ErrNoMessage = errors.New("queue: no message available")

// Delivery is one consumed envelope plus the broker receipt needed to
// settle it. A delivery must end in exactly one of Ack, Requeue or
// DeadLetter; otherwise the broker redelivers it after the visibility
// timeout.
type Delivery struct {
	Envelope domain.Envelope

	// raw holds the exact payload bytes consumed from Redis; acking
	// removes this member from the lease set.
	raw string
	// amqpMsg carries the broker acknowledgement handle when the AMQP
	// backend produced this delivery.
	amqpMsg *amqp.Delivery
}

// Queue is a durable delayed-delivery queue for greeting envelopes.
type Queue interface {
	// Publish enqueues an envelope, invisible until the delay elapses.
	Publish(ctx context.Context, env domain.Envelope, delay time.Duration) error

	// Consume returns the next ready delivery or ErrNoMessage. The
	// worker ID only identifies the consumer in logs and broker
	// metadata; leases are tracked per message.
	Consume(ctx context.Context, workerID string) (*Delivery, error)

	// Ack settles a delivery as processed.
	Ack(ctx context.Context, d *Delivery) error

	// Requeue makes the delivery consumable again after the delay,
	// keeping its attempt count.
	Requeue(ctx context.Context, d *Delivery, delay time.Duration) error

	// DeadLetter moves the delivery to the dead queue for inspection.
	DeadLetter(ctx context.Context, d *Delivery, reason string) error

	// Depth reports how many envelopes are waiting or delayed.
	Depth(ctx context.Context) (int64, error)

	// Ping verifies broker connectivity.
	Ping(ctx context.Context) error

	Close() error
}
