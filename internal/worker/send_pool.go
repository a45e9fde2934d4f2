package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/happy-bday-app-sub014/internal/domain"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/emailer"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/greeting"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/metrics"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/pkg/logger"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/queue"
)

const (
	// processTimeout caps one delivery end to end, covering the send
	// call with its inner retries plus the status writes around it.
	processTimeout = 3 * time.Minute
	// requeueDelay is how soon a delivery comes back when a store error
	// prevented processing it at all.
	requeueDelay = 10 * time.Second
)

// PoolConfig tunes the send worker pool.
type PoolConfig struct {
	Workers      int
	MaxRetries   int
	RetryBase    time.Duration
	RetryCap     time.Duration
	DrainTimeout time.Duration
	PollInterval time.Duration
}

func (c *PoolConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 5 * time.Minute
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
}

// SendWorkerPool consumes envelopes from the queue and delivers the
// greetings they point at. Every delivery is processed under the status
// machine's compare-and-swap discipline, so duplicate deliveries of the
// same envelope collapse into acknowledgements instead of duplicate
// emails.
//
// MaxRetries bounds retries after the initial attempt: a greeting is
// attempted at most MaxRetries+1 times before it goes DEAD.
type SendWorkerPool struct {
	queue    queue.Queue
	messages MessageStore
	users    UserStore
	sender   emailer.Sender
	registry *greeting.Registry
	metrics  *metrics.Metrics
	cfg      PoolConfig

	totalConsumed  int64
	totalSent      int64
	totalRetried   int64
	totalDead      int64
	totalDuplicate int64

	intakeCtx    context.Context
	intakeCancel context.CancelFunc
	hardCtx      context.Context
	hardCancel   context.CancelFunc
	wg           sync.WaitGroup
	running      bool
	mu           sync.Mutex
	hostname     string
}

// NewSendWorkerPool creates the pool. The registry is only consulted
// when a row carries no pre-rendered content.
func NewSendWorkerPool(q queue.Queue, messages MessageStore, users UserStore, sender emailer.Sender, registry *greeting.Registry, m *metrics.Metrics, cfg PoolConfig) *SendWorkerPool {
	if m == nil {
		m = metrics.New()
	}
	cfg.applyDefaults()
	return &SendWorkerPool{
		queue:    q,
		messages: messages,
		users:    users,
		sender:   sender,
		registry: registry,
		metrics:  m,
		cfg:      cfg,
		hostname: poolHostname(),
	}
}

// Start launches the consumer goroutines.
func (p *SendWorkerPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("send worker pool already running")
	}
	p.running = true
	p.intakeCtx, p.intakeCancel = context.WithCancel(context.Background())
	p.hardCtx, p.hardCancel = context.WithCancel(context.Background())

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	log.Printf("[SendPool] Started %d workers (max_retries=%d)", p.cfg.Workers, p.cfg.MaxRetries)
	return nil
}

// Stop drains the pool: intake halts immediately, in-flight deliveries
// get the drain window to finish, then processing is cut. Deliveries
// cut mid-send stay SENDING in the log and come back through the
// recovery sweeper.
func (p *SendWorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.intakeCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.DrainTimeout):
		log.Printf("[SendPool] Drain window elapsed, aborting in-flight sends")
		p.hardCancel()
		<-done
	}
	p.hardCancel()

	log.Printf("[SendPool] Stopped (consumed=%d sent=%d retried=%d dead=%d duplicate=%d)",
		atomic.LoadInt64(&p.totalConsumed), atomic.LoadInt64(&p.totalSent),
		atomic.LoadInt64(&p.totalRetried), atomic.LoadInt64(&p.totalDead),
		atomic.LoadInt64(&p.totalDuplicate))
}

func (p *SendWorkerPool) worker(n int) {
	defer p.wg.Done()
	workerID := fmt.Sprintf("%s-%d", p.hostname, n)

	for {
		d, err := p.queue.Consume(p.intakeCtx, workerID)
		if err != nil {
			if p.intakeCtx.Err() != nil {
				return
			}
			if errors.Is(err, queue.ErrNoMessage) {
				p.idle(p.cfg.PollInterval)
				continue
			}
			log.Printf("[SendPool] Worker %s consume error: %v", workerID, err)
			p.idle(time.Second)
			continue
		}

		atomic.AddInt64(&p.totalConsumed, 1)
		ctx, cancel := context.WithTimeout(p.hardCtx, processTimeout)
		p.process(ctx, d)
		cancel()
	}
}

func (p *SendWorkerPool) idle(d time.Duration) {
	select {
	case <-p.intakeCtx.Done():
	case <-time.After(d):
	}
}

// process handles one delivery through the full status machine. The
// possible endings are Ack (done or someone else's problem), DeadLetter
// (poison or exhausted), Requeue (store unavailable), or returning with
// the delivery unsettled (shutdown mid-send), in which case the broker
// redelivers after the visibility timeout.
func (p *SendWorkerPool) process(ctx context.Context, d *queue.Delivery) {
	env := d.Envelope

	row, err := p.messages.GetByID(ctx, env.MessageLogID)
	if errors.Is(err, ErrNotFound) {
		log.Printf("[SendPool] Envelope for unknown row %s, dead-lettering", env.MessageLogID)
		p.deadLetter(ctx, d, "message log row missing")
		return
	}
	if err != nil {
		log.Printf("[SendPool] Load %s failed: %v", env.MessageLogID, err)
		p.requeueSoon(ctx, d)
		return
	}

	if row.Status.IsTerminal() {
		atomic.AddInt64(&p.totalDuplicate, 1)
		p.ack(ctx, d)
		return
	}
	if row.Status != domain.StatusEnqueued && row.Status != domain.StatusFailed {
		// SCHEDULED means the sweeper took the row back and the
		// dispatcher will publish a fresh envelope; SENDING means
		// another worker owns it right now. Either way this envelope
		// is obsolete.
		p.ack(ctx, d)
		return
	}

	won, err := p.messages.TransitionStatus(ctx, row.ID, row.Status, domain.StatusSending, StatusUpdate{TouchLastAttempt: true})
	if err != nil {
		log.Printf("[SendPool] Claim %s failed: %v", row.ID, err)
		p.requeueSoon(ctx, d)
		return
	}
	if !won {
		atomic.AddInt64(&p.totalDuplicate, 1)
		p.ack(ctx, d)
		return
	}

	u, err := p.users.GetByID(ctx, row.UserID)
	if errors.Is(err, ErrNotFound) || (err == nil && u.Deleted()) {
		reason := domain.ReasonUserRemoved
		if _, terr := p.messages.TransitionStatus(ctx, row.ID, domain.StatusSending, domain.StatusDead, StatusUpdate{LastError: &reason}); terr != nil {
			log.Printf("[SendPool] Close %s for removed user failed: %v", row.ID, terr)
			p.requeueSoon(ctx, d)
			return
		}
		atomic.AddInt64(&p.totalDead, 1)
		p.metrics.GreetingsDead.WithLabelValues(domain.ReasonUserRemoved).Inc()
		log.Printf("[SendPool] Message %s dead, user %s removed", row.ID, row.UserID)
		p.ack(ctx, d)
		return
	}
	if err != nil {
		p.retryOrDead(ctx, d, row, env, "user lookup failed: "+err.Error(), 0)
		return
	}

	content := row.MessageContent
	if content == "" {
		content, err = p.render(row, u)
		if err != nil {
			reason := "render failed: " + err.Error()
			if _, terr := p.messages.TransitionStatus(ctx, row.ID, domain.StatusSending, domain.StatusDead, StatusUpdate{LastError: &reason}); terr != nil {
				log.Printf("[SendPool] Close unrenderable %s failed: %v", row.ID, terr)
				p.requeueSoon(ctx, d)
				return
			}
			atomic.AddInt64(&p.totalDead, 1)
			p.metrics.GreetingsDead.WithLabelValues("render_failed").Inc()
			p.deadLetter(ctx, d, reason)
			return
		}
	}

	res, err := p.sender.Send(ctx, u.Email, content)
	if err != nil {
		if errors.Is(err, emailer.ErrBreakerOpen) {
			p.retryOrDead(ctx, d, row, env, "circuit breaker open", 0)
			return
		}
		if ctx.Err() != nil {
			// Shutdown or timeout mid-send. The row stays SENDING and
			// the stale-sending sweep returns it to the retry path.
			return
		}
		p.retryOrDead(ctx, d, row, env, err.Error(), 0)
		return
	}

	p.metrics.SendLatency.Observe(res.Latency.Seconds())
	p.metrics.GreetingsSent.WithLabelValues(res.Outcome.String()).Inc()

	switch res.Outcome {
	case emailer.OutcomeSent:
		code := res.Code
		if _, terr := p.messages.TransitionStatus(ctx, row.ID, domain.StatusSending, domain.StatusSent, StatusUpdate{ResponseCode: &code}); terr != nil {
			// The email left; only the record write failed. Requeue and
			// let the terminal-status check absorb the redelivery once
			// the write lands through recovery.
			log.Printf("[SendPool] Record sent %s failed: %v", row.ID, terr)
			p.requeueSoon(ctx, d)
			return
		}
		atomic.AddInt64(&p.totalSent, 1)
		log.Printf("[SendPool] Sent %s to %s (attempt %d)", row.ID, logger.RedactEmail(u.Email), env.Attempt+1)
		p.ack(ctx, d)

	case emailer.OutcomePermanent:
		reason := res.Reason
		code := res.Code
		if _, terr := p.messages.TransitionStatus(ctx, row.ID, domain.StatusSending, domain.StatusDead, StatusUpdate{LastError: &reason, ResponseCode: &code}); terr != nil {
			log.Printf("[SendPool] Close rejected %s failed: %v", row.ID, terr)
			p.requeueSoon(ctx, d)
			return
		}
		atomic.AddInt64(&p.totalDead, 1)
		p.metrics.GreetingsDead.WithLabelValues("permanent").Inc()
		log.Printf("[SendPool] Message %s permanently rejected (%d): %s", row.ID, res.Code, res.Reason)
		p.ack(ctx, d)

	default:
		p.retryOrDead(ctx, d, row, env, res.Reason, res.Code)
	}
}

// retryOrDead settles a transient failure for a row this worker holds
// in SENDING. Below the ceiling the row goes back to FAILED with a
// bumped retry count and the next attempt is published after backoff;
// at the ceiling the row goes DEAD and the envelope is parked on the
// dead letter queue.
func (p *SendWorkerPool) retryOrDead(ctx context.Context, d *queue.Delivery, row *domain.MessageLog, env domain.Envelope, reason string, code int) {
	upd := StatusUpdate{LastError: &reason}
	if code != 0 {
		upd.ResponseCode = &code
	}

	if row.RetryCount >= p.cfg.MaxRetries {
		won, err := p.messages.TransitionStatus(ctx, row.ID, domain.StatusSending, domain.StatusDead, upd)
		if err != nil {
			log.Printf("[SendPool] Close exhausted %s failed: %v", row.ID, err)
			p.requeueSoon(ctx, d)
			return
		}
		if !won {
			p.ack(ctx, d)
			return
		}
		atomic.AddInt64(&p.totalDead, 1)
		p.metrics.GreetingsDead.WithLabelValues("retries_exhausted").Inc()
		log.Printf("[SendPool] Message %s dead after %d attempts: %s", row.ID, row.RetryCount+1, reason)
		p.deadLetter(ctx, d, fmt.Sprintf("retries exhausted: %s", reason))
		return
	}

	upd.IncrementRetry = true
	won, err := p.messages.TransitionStatus(ctx, row.ID, domain.StatusSending, domain.StatusFailed, upd)
	if err != nil {
		log.Printf("[SendPool] Record failure %s failed: %v", row.ID, err)
		p.requeueSoon(ctx, d)
		return
	}
	if won {
		delay := Backoff(env.Attempt, p.cfg.RetryBase, p.cfg.RetryCap)
		next := domain.Envelope{MessageLogID: row.ID, Attempt: env.Attempt + 1}
		if err := p.queue.Publish(ctx, next, delay); err != nil {
			// Row is already FAILED; the recovery sweeper republishes
			// rows whose retry never arrived.
			log.Printf("[SendPool] Republish %s failed: %v", row.ID, err)
		} else {
			log.Printf("[SendPool] Retry %d for %s in %s: %s", env.Attempt+1, row.ID, delay.Round(time.Millisecond), reason)
		}
		atomic.AddInt64(&p.totalRetried, 1)
	}
	p.ack(ctx, d)
}

func (p *SendWorkerPool) render(row *domain.MessageLog, u *domain.User) (string, error) {
	s, err := p.registry.Get(row.MessageType)
	if err != nil {
		return "", err
	}
	return s.Render(u)
}

func (p *SendWorkerPool) ack(ctx context.Context, d *queue.Delivery) {
	if err := p.queue.Ack(ctx, d); err != nil {
		log.Printf("[SendPool] Ack failed: %v", err)
	}
}

func (p *SendWorkerPool) deadLetter(ctx context.Context, d *queue.Delivery, reason string) {
	if err := p.queue.DeadLetter(ctx, d, reason); err != nil {
		log.Printf("[SendPool] Dead-letter failed: %v", err)
	}
}

func (p *SendWorkerPool) requeueSoon(ctx context.Context, d *queue.Delivery) {
	if err := p.queue.Requeue(ctx, d, requeueDelay); err != nil {
		// Leaving it unsettled still works: the visibility timeout
		// redelivers it, just later.
		log.Printf("[SendPool] Requeue failed: %v", err)
	}
}

// Stats returns cumulative pool counters.
func (p *SendWorkerPool) Stats() map[string]int64 {
	return map[string]int64{
		"consumed":  atomic.LoadInt64(&p.totalConsumed),
		"sent":      atomic.LoadInt64(&p.totalSent),
		"retried":   atomic.LoadInt64(&p.totalRetried),
		"dead":      atomic.LoadInt64(&p.totalDead),
		"duplicate": atomic.LoadInt64(&p.totalDuplicate),
	}
}

func poolHostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "worker"
	}
	return h
}
