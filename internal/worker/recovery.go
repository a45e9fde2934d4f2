package worker

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/happy-bday-app-sub014/internal/domain"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/metrics"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/queue"
)

const (
	// DefaultRecoveryInterval is how often the sweeper scans for rows
	// the happy path lost track of.
	DefaultRecoveryInterval = 10 * time.Minute

	// DefaultOverdueGrace is how far past its send time a SCHEDULED row
	// may be before the sweeper re-enqueues it itself.
	DefaultOverdueGrace = 2 * time.Minute

	// DefaultStuckEnqueuedAge is how long an ENQUEUED row may sit
	// untouched before its published envelope is presumed lost.
	DefaultStuckEnqueuedAge = 15 * time.Minute

	// DefaultStaleSendingAge is how long a SENDING row may sit before
	// its worker is presumed dead.
	DefaultStaleSendingAge = 5 * time.Minute
)

// RecoveryConfig tunes the sweeper.
type RecoveryConfig struct {
	Interval         time.Duration
	OverdueGrace     time.Duration
	StuckEnqueuedAge time.Duration
	StaleSendingAge  time.Duration
	RetryBase        time.Duration
	RetryCap         time.Duration
	MaxRetries       int
	BatchLimit       int
}

func (c *RecoveryConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultRecoveryInterval
	}
	if c.OverdueGrace <= 0 {
		c.OverdueGrace = DefaultOverdueGrace
	}
	if c.StuckEnqueuedAge <= 0 {
		c.StuckEnqueuedAge = DefaultStuckEnqueuedAge
	}
	if c.StaleSendingAge <= 0 {
		c.StaleSendingAge = DefaultStaleSendingAge
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 5 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 1000
	}
}

// RecoveryWorker is the sweeper that repairs the pipeline after
// crashes, lost publishes and dead workers. Four scans, all through the
// same compare-and-swap discipline the happy path uses, so a sweep
// racing a live worker can never double-process a row:
//
//	(a) SCHEDULED rows past their send time the dispatcher never took;
//	(b) ENQUEUED rows whose envelope evidently never reached a worker;
//	(c) SENDING rows whose worker died mid-attempt;
//	(d) FAILED rows whose retry republish was lost.
type RecoveryWorker struct {
	messages MessageStore
	queue    queue.Queue
	metrics  *metrics.Metrics
	cfg      RecoveryConfig

	requeued   int64
	reverted   int64
	closedDead int64

	now func() time.Time
}

// NewRecoveryWorker creates the sweeper.
func NewRecoveryWorker(messages MessageStore, q queue.Queue, m *metrics.Metrics, cfg RecoveryConfig) *RecoveryWorker {
	if m == nil {
		m = metrics.New()
	}
	cfg.applyDefaults()
	return &RecoveryWorker{
		messages: messages,
		queue:    q,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Start begins the sweep loop, with one sweep immediately so a restart
// repairs crash leftovers before the first interval elapses. It blocks
// until ctx is cancelled.
func (rw *RecoveryWorker) Start(ctx context.Context) {
	log.Printf("[Recovery] Starting (interval=%s grace=%s stuck=%s stale=%s)",
		rw.cfg.Interval, rw.cfg.OverdueGrace, rw.cfg.StuckEnqueuedAge, rw.cfg.StaleSendingAge)

	rw.sweepGuarded(ctx)

	ticker := time.NewTicker(rw.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Recovery] Stopping (requeued=%d reverted=%d dead=%d)",
				atomic.LoadInt64(&rw.requeued), atomic.LoadInt64(&rw.reverted), atomic.LoadInt64(&rw.closedDead))
			return
		case <-ticker.C:
			rw.sweepGuarded(ctx)
		}
	}
}

func (rw *RecoveryWorker) sweepGuarded(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, rw.cfg.Interval)
	defer cancel()
	rw.Sweep(sweepCtx)
}

// Sweep runs all four scans once. Scan errors are logged and do not
// stop the remaining scans.
func (rw *RecoveryWorker) Sweep(ctx context.Context) {
	rw.scanOverdueScheduled(ctx)
	rw.scanStuckEnqueued(ctx)
	rw.scanStaleSending(ctx)
	rw.scanRetryDue(ctx)
}

// scanOverdueScheduled re-enqueues SCHEDULED rows whose send time
// passed more than the grace period ago. Rows that already spent their
// whole retry budget are closed DEAD instead of getting an extra
// attempt.
func (rw *RecoveryWorker) scanOverdueScheduled(ctx context.Context) {
	rows, err := rw.messages.FindOverdueScheduled(ctx, rw.now().UTC(), rw.cfg.OverdueGrace, rw.cfg.BatchLimit)
	if err != nil {
		log.Printf("[Recovery] Overdue scan error: %v", err)
		return
	}

	var requeued, dead int
	for i := range rows {
		row := &rows[i]
		if row.RetryCount >= rw.cfg.MaxRetries {
			reason := "retries exhausted"
			won, err := rw.messages.TransitionStatus(ctx, row.ID, domain.StatusScheduled, domain.StatusDead, StatusUpdate{LastError: &reason})
			if err != nil {
				log.Printf("[Recovery] Close overdue %s failed: %v", row.ID, err)
				continue
			}
			if won {
				dead++
				atomic.AddInt64(&rw.closedDead, 1)
				rw.metrics.GreetingsDead.WithLabelValues("retries_exhausted").Inc()
			}
			continue
		}
		if rw.enqueueRow(ctx, row, domain.StatusScheduled) {
			requeued++
		}
	}

	if requeued > 0 || dead > 0 {
		atomic.AddInt64(&rw.requeued, int64(requeued))
		rw.metrics.RecoveryRequeued.WithLabelValues("overdue_scheduled").Add(float64(requeued))
		log.Printf("[Recovery] Overdue scheduled: requeued=%d dead=%d", requeued, dead)
	}
}

// scanStuckEnqueued hands ENQUEUED rows nobody consumed back to the
// dispatcher by reverting them to SCHEDULED.
func (rw *RecoveryWorker) scanStuckEnqueued(ctx context.Context) {
	rows, err := rw.messages.FindStuckEnqueued(ctx, rw.now().UTC(), rw.cfg.StuckEnqueuedAge, rw.cfg.BatchLimit)
	if err != nil {
		log.Printf("[Recovery] Stuck scan error: %v", err)
		return
	}

	var reverted int
	for i := range rows {
		won, err := rw.messages.TransitionStatus(ctx, rows[i].ID, domain.StatusEnqueued, domain.StatusScheduled, StatusUpdate{})
		if err != nil {
			log.Printf("[Recovery] Revert stuck %s failed: %v", rows[i].ID, err)
			continue
		}
		if won {
			reverted++
		}
	}

	if reverted > 0 {
		atomic.AddInt64(&rw.reverted, int64(reverted))
		rw.metrics.RecoveryRequeued.WithLabelValues("stuck_enqueued").Add(float64(reverted))
		log.Printf("[Recovery] Stuck enqueued: reverted=%d", reverted)
	}
}

// scanStaleSending fails SENDING rows whose worker went silent, then
// re-enqueues them. The abandoned attempt's outcome is unknown; the
// redelivery may duplicate a send that actually left, which is the
// at-least-once corner the idempotency key cannot close.
func (rw *RecoveryWorker) scanStaleSending(ctx context.Context) {
	rows, err := rw.messages.FindStaleSending(ctx, rw.now().UTC(), rw.cfg.StaleSendingAge, rw.cfg.BatchLimit)
	if err != nil {
		log.Printf("[Recovery] Stale scan error: %v", err)
		return
	}

	var requeued int
	for i := range rows {
		row := &rows[i]
		reason := "send attempt abandoned"
		won, err := rw.messages.TransitionStatus(ctx, row.ID, domain.StatusSending, domain.StatusFailed, StatusUpdate{LastError: &reason})
		if err != nil {
			log.Printf("[Recovery] Fail stale %s failed: %v", row.ID, err)
			continue
		}
		if !won {
			continue
		}
		if rw.enqueueRow(ctx, row, domain.StatusFailed) {
			requeued++
		}
	}

	if requeued > 0 {
		atomic.AddInt64(&rw.requeued, int64(requeued))
		rw.metrics.RecoveryRequeued.WithLabelValues("stale_sending").Add(float64(requeued))
		log.Printf("[Recovery] Stale sending: requeued=%d", requeued)
	}
}

// scanRetryDue republishes FAILED rows whose backoff elapsed without
// the retry envelope ever arriving.
func (rw *RecoveryWorker) scanRetryDue(ctx context.Context) {
	rows, err := rw.messages.FindRetryDue(ctx, rw.now().UTC(), rw.cfg.RetryBase, rw.cfg.RetryCap, rw.cfg.MaxRetries, rw.cfg.BatchLimit)
	if err != nil {
		log.Printf("[Recovery] Retry scan error: %v", err)
		return
	}

	var requeued int
	for i := range rows {
		if rw.enqueueRow(ctx, &rows[i], domain.StatusFailed) {
			requeued++
		}
	}

	if requeued > 0 {
		atomic.AddInt64(&rw.requeued, int64(requeued))
		rw.metrics.RecoveryRequeued.WithLabelValues("retry_due").Add(float64(requeued))
		log.Printf("[Recovery] Retry due: requeued=%d", requeued)
	}
}

// enqueueRow claims the row into ENQUEUED and publishes its envelope
// for immediate delivery. On publish failure the row is handed back to
// SCHEDULED so a later pass retries.
func (rw *RecoveryWorker) enqueueRow(ctx context.Context, row *domain.MessageLog, from domain.Status) bool {
	won, err := rw.messages.TransitionStatus(ctx, row.ID, from, domain.StatusEnqueued, StatusUpdate{})
	if err != nil {
		log.Printf("[Recovery] Claim %s failed: %v", row.ID, err)
		return false
	}
	if !won {
		return false
	}

	env := domain.Envelope{MessageLogID: row.ID, Attempt: row.RetryCount}
	if err := rw.queue.Publish(ctx, env, 0); err != nil {
		log.Printf("[Recovery] Publish %s failed: %v", row.ID, err)
		if _, rbErr := rw.messages.TransitionStatus(ctx, row.ID, domain.StatusEnqueued, domain.StatusScheduled, StatusUpdate{}); rbErr != nil {
			log.Printf("[Recovery] Rollback %s failed: %v", row.ID, rbErr)
		}
		return false
	}
	return true
}

// Stats returns cumulative sweeper counters.
func (rw *RecoveryWorker) Stats() map[string]int64 {
	return map[string]int64{
		"requeued":    atomic.LoadInt64(&rw.requeued),
		"reverted":    atomic.LoadInt64(&rw.reverted),
		"closed_dead": atomic.LoadInt64(&rw.closedDead),
	}
}
