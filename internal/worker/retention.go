package worker

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

const (
	// DefaultRetentionInterval is how often the retention cycle runs.
	DefaultRetentionInterval = 1 * time.Hour

	// DefaultRetentionBatch limits each DELETE so retention never holds
	// a long transaction against the table the hot path writes.
	DefaultRetentionBatch = 5000
)

// RetentionWorker deletes terminal (SENT/DEAD) message log rows older
// than the retention window. Non-terminal rows are never touched, so
// retention cannot interfere with delivery no matter how it is tuned.
// A retention of zero days disables the worker entirely.
type RetentionWorker struct {
	messages MessageStore
	days     int
	batch    int
	interval time.Duration

	deleted int64

	now func() time.Time
}

// NewRetentionWorker creates a retention worker keeping the given
// number of days of terminal rows.
func NewRetentionWorker(messages MessageStore, days, batch int) *RetentionWorker {
	if batch <= 0 {
		batch = DefaultRetentionBatch
	}
	return &RetentionWorker{
		messages: messages,
		days:     days,
		batch:    batch,
		interval: DefaultRetentionInterval,
		now:      time.Now,
	}
}

// Start begins the retention loop. It blocks until ctx is cancelled,
// or returns immediately when retention is disabled.
func (rt *RetentionWorker) Start(ctx context.Context) {
	if rt.days <= 0 {
		log.Printf("[Retention] Disabled (retention_days=0)")
		return
	}

	log.Printf("[Retention] Starting (days=%d batch=%d interval=%s)", rt.days, rt.batch, rt.interval)

	rt.cleanup(ctx)

	ticker := time.NewTicker(rt.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Retention] Stopping (deleted=%d)", atomic.LoadInt64(&rt.deleted))
			return
		case <-ticker.C:
			rt.cleanup(ctx)
		}
	}
}

// cleanup deletes expired rows in batches until none remain, pausing
// briefly between batches to stay off the hot path's locks.
func (rt *RetentionWorker) cleanup(ctx context.Context) {
	cutoff := rt.now().UTC().AddDate(0, 0, -rt.days)

	var total int64
	for {
		if ctx.Err() != nil {
			return
		}

		batchCtx, cancel := context.WithTimeout(ctx, time.Minute)
		n, err := rt.messages.DeleteTerminalOlderThan(batchCtx, cutoff, rt.batch)
		cancel()
		if err != nil {
			log.Printf("[Retention] Delete batch failed: %v", err)
			return
		}
		if n == 0 {
			break
		}

		total += n
		atomic.AddInt64(&rt.deleted, n)
		time.Sleep(100 * time.Millisecond)
	}

	if total > 0 {
		log.Printf("[Retention] Removed %d terminal rows older than %d days", total, rt.days)
	}
}

// Stats returns cumulative retention counters.
func (rt *RetentionWorker) Stats() map[string]int64 {
	return map[string]int64{
		"deleted": atomic.LoadInt64(&rt.deleted),
	}
}
