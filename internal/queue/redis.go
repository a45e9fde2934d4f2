package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/happy-bday-app-sub014/internal/domain"
)

// promoteBatch bounds how many due or expired messages one consume call
// moves back to the ready list.
const promoteBatch = 100

// Lua script for atomic consume: promote elapsed delays, reclaim
// expired leases, then pop one payload and lease it.
const consumeLuaScript = `
local delayed = KEYS[1]
local ready = KEYS[2]
local leases = KEYS[3]
local now = tonumber(ARGV[1])
local leaseUntil = tonumber(ARGV[2])
local batch = tonumber(ARGV[3])

local due = redis.call("ZRANGEBYSCORE", delayed, "-inf", now, "LIMIT", 0, batch)
for _, m in ipairs(due) do
    redis.call("ZREM", delayed, m)
    redis.call("RPUSH", ready, m)
end

local expired = redis.call("ZRANGEBYSCORE", leases, "-inf", now, "LIMIT", 0, batch)
for _, m in ipairs(expired) do
    redis.call("ZREM", leases, m)
    redis.call("RPUSH", ready, m)
end

local payload = redis.call("LPOP", ready)
if not payload then
    return false
end
redis.call("ZADD", leases, leaseUntil, payload)
return payload
`

// Lua script for requeue: release the lease and re-delay atomically so
// a crashed worker can never double the message.
const requeueLuaScript = `
redis.call("ZREM", KEYS[1], ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[1], ARGV[2])
return 1
`

// Lua script for dead-letter: release the lease and park the annotated
// payload on the dead list.
const deadLetterLuaScript = `
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("RPUSH", KEYS[2], ARGV[2])
return 1
`

// RedisQueue implements Queue on a Redis instance. Delayed envelopes
// live in a sorted set scored by their ready time, ready envelopes in a
// list, and in-flight envelopes in a lease set scored by their
// visibility deadline. All moves run as Lua scripts for atomicity.
type RedisQueue struct {
	redis             *redis.Client
	keyPrefix         string
	visibilityTimeout time.Duration

	consumeScript    *redis.Script
	requeueScript    *redis.Script
	deadLetterScript *redis.Script

	now func() time.Time
}

// NewRedisQueue creates a Redis-backed queue with pre-compiled scripts.
func NewRedisQueue(client *redis.Client, keyPrefix string, visibilityTimeout time.Duration) *RedisQueue {
	if keyPrefix == "" {
		keyPrefix = "greeting"
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	return &RedisQueue{
		redis:             client,
		keyPrefix:         keyPrefix,
		visibilityTimeout: visibilityTimeout,
		consumeScript:     redis.NewScript(consumeLuaScript),
		requeueScript:     redis.NewScript(requeueLuaScript),
		deadLetterScript:  redis.NewScript(deadLetterLuaScript),
		now:               time.Now,
	}
}

func (q *RedisQueue) delayedKey() string { return q.keyPrefix + ":queue:delayed" }
func (q *RedisQueue) readyKey() string   { return q.keyPrefix + ":queue:ready" }
func (q *RedisQueue) leasesKey() string  { return q.keyPrefix + ":queue:leases" }
func (q *RedisQueue) deadKey() string    { return q.keyPrefix + ":queue:dead" }

// Publish enqueues the envelope. Zero delay goes straight to the ready
// list; otherwise the sorted set holds it until the score elapses.
func (q *RedisQueue) Publish(ctx context.Context, env domain.Envelope, delay time.Duration) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if delay <= 0 {
		if err := q.redis.RPush(ctx, q.readyKey(), payload).Err(); err != nil {
			return fmt.Errorf("push ready: %w", err)
		}
		return nil
	}
	score := float64(q.now().Add(delay).UnixMilli())
	if err := q.redis.ZAdd(ctx, q.delayedKey(), redis.Z{Score: score, Member: payload}).Err(); err != nil {
		return fmt.Errorf("push delayed: %w", err)
	}
	return nil
}

// Consume pops the next ready envelope under a visibility lease.
func (q *RedisQueue) Consume(ctx context.Context, workerID string) (*Delivery, error) {
	now := q.now()
	res, err := q.consumeScript.Run(ctx, q.redis,
		[]string{q.delayedKey(), q.readyKey(), q.leasesKey()},
		now.UnixMilli(),
		now.Add(q.visibilityTimeout).UnixMilli(),
		promoteBatch,
	).Result()
	if err == redis.Nil {
		return nil, ErrNoMessage
	}
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}

	raw, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("consume: unexpected script reply %T", res)
	}
	var env domain.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Undecodable payloads go straight to the dead list so they
		// cannot wedge the ready queue.
		log.Printf("[RedisQueue] worker %s dropping undecodable payload: %v", workerID, err)
		bad := &Delivery{raw: raw}
		if dlErr := q.DeadLetter(ctx, bad, "undecodable payload"); dlErr != nil {
			return nil, fmt.Errorf("dead-letter undecodable payload: %w", dlErr)
		}
		return nil, ErrNoMessage
	}
	return &Delivery{Envelope: env, raw: raw}, nil
}

// Ack removes the lease, settling the delivery.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.redis.ZRem(ctx, q.leasesKey(), d.raw).Err(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Requeue releases the lease and re-delays the same payload.
func (q *RedisQueue) Requeue(ctx context.Context, d *Delivery, delay time.Duration) error {
	score := q.now().Add(delay).UnixMilli()
	err := q.requeueScript.Run(ctx, q.redis,
		[]string{q.leasesKey(), q.delayedKey()},
		score, d.raw,
	).Err()
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return nil
}

// deadEntry is the annotated payload stored on the dead list.
type deadEntry struct {
	Payload  json.RawMessage `json:"payload"`
	Reason   string          `json:"reason"`
	FailedAt time.Time       `json:"failed_at"`
}

// DeadLetter parks the delivery on the dead list with its reason.
func (q *RedisQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	entry, err := json.Marshal(deadEntry{
		Payload:  json.RawMessage(d.raw),
		Reason:   reason,
		FailedAt: q.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead entry: %w", err)
	}
	err = q.deadLetterScript.Run(ctx, q.redis,
		[]string{q.leasesKey(), q.deadKey()},
		d.raw, entry,
	).Err()
	if err != nil {
		return fmt.Errorf("dead-letter: %w", err)
	}
	return nil
}

// Depth counts ready plus delayed envelopes. Leased envelopes are
// excluded; they are someone's responsibility already.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	ready, err := q.redis.LLen(ctx, q.readyKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	delayed, err := q.redis.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return ready + delayed, nil
}

// Ping verifies Redis connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.redis.Ping(ctx).Err()
}

// Close releases the Redis client.
func (q *RedisQueue) Close() error {
	return q.redis.Close()
}
