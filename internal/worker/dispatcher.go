package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/happy-bday-app-sub014/internal/domain"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/metrics"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/queue"
)

// Dispatcher moves SCHEDULED rows into the queue as their send time
// approaches. Each tick it loads rows due within the horizon, claims
// each with a compare-and-swap to ENQUEUED, and publishes an envelope
// delayed until the exact send instant. Multiple dispatchers can run
// against the same database; the swap makes sure each row is published
// by exactly one of them.
type Dispatcher struct {
	messages MessageStore
	queue    queue.Queue
	metrics  *metrics.Metrics

	interval   time.Duration
	horizon    time.Duration
	batchLimit int

	enqueued      int64
	lostRaces     int64
	publishFailed int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
	now     func() time.Time
}

// NewDispatcher creates a dispatcher ticking at interval and looking
// ahead by horizon, at most batchLimit rows per tick.
func NewDispatcher(messages MessageStore, q queue.Queue, m *metrics.Metrics, interval, horizon time.Duration, batchLimit int) *Dispatcher {
	if m == nil {
		m = metrics.New()
	}
	return &Dispatcher{
		messages:   messages,
		queue:      q,
		metrics:    m,
		interval:   interval,
		horizon:    horizon,
		batchLimit: batchLimit,
		now:        time.Now,
	}
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(context.Background())

	d.wg.Add(1)
	go d.loop()

	log.Printf("[Dispatcher] Started (interval=%s horizon=%s batch=%d)", d.interval, d.horizon, d.batchLimit)
	return nil
}

// Stop halts the loop and waits for the current tick to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	log.Printf("[Dispatcher] Stopped (enqueued=%d lost_races=%d publish_failed=%d)",
		atomic.LoadInt64(&d.enqueued), atomic.LoadInt64(&d.lostRaces), atomic.LoadInt64(&d.publishFailed))
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	// First tick immediately so restarts pick up due work without
	// waiting a full interval.
	d.tickGuarded()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.tickGuarded()
		}
	}
}

func (d *Dispatcher) tickGuarded() {
	ctx, cancel := context.WithTimeout(d.ctx, d.interval)
	defer cancel()

	if err := d.Tick(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[Dispatcher] Tick failed: %v", err)
	}
}

// Tick runs one dispatch pass: claim due rows and publish envelopes.
func (d *Dispatcher) Tick(ctx context.Context) error {
	now := d.now().UTC()
	rows, err := d.messages.FindDueForEnqueue(ctx, now, d.horizon, d.batchLimit)
	if err != nil {
		return fmt.Errorf("find due rows: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	var published, lost, failed int
	for i := range rows {
		row := &rows[i]
		if ctx.Err() != nil {
			return ctx.Err()
		}

		won, err := d.messages.TransitionStatus(ctx, row.ID, domain.StatusScheduled, domain.StatusEnqueued, StatusUpdate{})
		if err != nil {
			log.Printf("[Dispatcher] Claim failed for %s: %v", row.ID, err)
			failed++
			continue
		}
		if !won {
			lost++
			atomic.AddInt64(&d.lostRaces, 1)
			continue
		}

		delay := row.ScheduledSendTime.Sub(now)
		if delay < 0 {
			delay = 0
		}
		env := domain.Envelope{MessageLogID: row.ID, Attempt: row.RetryCount}
		if err := d.queue.Publish(ctx, env, delay); err != nil {
			// Hand the row back so the next tick retries the publish;
			// if even that fails the recovery sweeper picks it up as a
			// stuck ENQUEUED row.
			log.Printf("[Dispatcher] Publish failed for %s: %v", row.ID, err)
			if _, rbErr := d.messages.TransitionStatus(ctx, row.ID, domain.StatusEnqueued, domain.StatusScheduled, StatusUpdate{}); rbErr != nil {
				log.Printf("[Dispatcher] Rollback failed for %s: %v", row.ID, rbErr)
			}
			failed++
			atomic.AddInt64(&d.publishFailed, 1)
			continue
		}

		published++
		atomic.AddInt64(&d.enqueued, 1)
		d.metrics.GreetingsEnqueued.Inc()
	}

	log.Printf("[Dispatcher] Tick: published=%d lost_races=%d failed=%d", published, lost, failed)
	return nil
}

// Stats returns cumulative dispatcher counters.
func (d *Dispatcher) Stats() map[string]int64 {
	return map[string]int64{
		"enqueued":       atomic.LoadInt64(&d.enqueued),
		"lost_races":     atomic.LoadInt64(&d.lostRaces),
		"publish_failed": atomic.LoadInt64(&d.publishFailed),
	}
}
