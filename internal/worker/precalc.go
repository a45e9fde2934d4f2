package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/happy-bday-app-sub014/internal/domain"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/greeting"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/metrics"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/pkg/distlock"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/timezone"
)

const (
	precalcLockKey = "precalc:daily"
	precalcLockTTL = 30 * time.Minute
	precalcTimeout = 30 * time.Minute
)

// LockFactory builds a distributed lock for single-flight runs. Left
// unset, runs are not serialized across processes; the unique
// idempotency key still guarantees no duplicate rows, concurrent runs
// just burn work racing each other to the same inserts.
type LockFactory func(key string, ttl time.Duration) distlock.DistLock

// PrecalcScheduler materializes message log rows ahead of send time:
// one SCHEDULED row per (user, message type, local event date), with
// the send instant resolved to 09:00 in the user's zone. It runs at
// startup and then once per UTC day.
//
// Each run considers the user's local today and local tomorrow. The
// tomorrow pass is what keeps zones far east of UTC covered: their
// 09:00 local falls before this scheduler's 00:00 UTC run of the same
// calendar date, so the row must exist a day early.
type PrecalcScheduler struct {
	users    UserStore
	messages MessageStore
	registry *greeting.Registry
	metrics  *metrics.Metrics

	lockFactory LockFactory

	usersSeen     int64
	rowsCreated   int64
	rowsDuplicate int64
	usersFailed   int64
	runsCompleted int64
	runsSkipped   int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
	now     func() time.Time
}

// RunSummary reports what one pre-calculation pass did.
type RunSummary struct {
	UsersSeen int64
	Created   int64
	Duplicate int64
	Failed    int64
	Elapsed   time.Duration
	LockHeld  bool
}

// NewPrecalcScheduler creates the daily scheduler. All arguments are
// required except metrics, which defaults to a private registry.
func NewPrecalcScheduler(users UserStore, messages MessageStore, registry *greeting.Registry, m *metrics.Metrics) *PrecalcScheduler {
	if m == nil {
		m = metrics.New()
	}
	return &PrecalcScheduler{
		users:    users,
		messages: messages,
		registry: registry,
		metrics:  m,
		now:      time.Now,
	}
}

// SetLockFactory enables cross-process single-flight for daily runs.
func (ps *PrecalcScheduler) SetLockFactory(f LockFactory) {
	ps.lockFactory = f
}

// Start launches the scheduling loop: one catch-up run immediately,
// then a run at every UTC midnight.
func (ps *PrecalcScheduler) Start() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.running {
		return fmt.Errorf("precalc scheduler already running")
	}
	ps.running = true
	ps.ctx, ps.cancel = context.WithCancel(context.Background())

	ps.wg.Add(1)
	go ps.loop()

	log.Printf("[Precalc] Started daily scheduler (next run at 00:00 UTC)")
	return nil
}

// Stop halts the loop and waits for an in-flight run to finish.
func (ps *PrecalcScheduler) Stop() {
	ps.mu.Lock()
	if !ps.running {
		ps.mu.Unlock()
		return
	}
	ps.running = false
	ps.mu.Unlock()

	ps.cancel()
	ps.wg.Wait()
	log.Printf("[Precalc] Stopped (runs=%d created=%d duplicate=%d)",
		atomic.LoadInt64(&ps.runsCompleted), atomic.LoadInt64(&ps.rowsCreated), atomic.LoadInt64(&ps.rowsDuplicate))
}

func (ps *PrecalcScheduler) loop() {
	defer ps.wg.Done()

	// Catch-up pass so a restart after midnight never skips the day.
	ps.runGuarded()

	for {
		now := ps.now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ps.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			ps.runGuarded()
		}
	}
}

func (ps *PrecalcScheduler) runGuarded() {
	ctx, cancel := context.WithTimeout(ps.ctx, precalcTimeout)
	defer cancel()

	if _, err := ps.RunOnce(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[Precalc] Run failed: %v", err)
	}
}

// RunOnce executes a single pre-calculation pass. It holds the daily
// lock when a factory is configured, streaming candidates per message
// type and inserting rows for events observed on each user's local
// today or tomorrow. Safe to call repeatedly; existing rows surface as
// duplicates.
func (ps *PrecalcScheduler) RunOnce(ctx context.Context) (RunSummary, error) {
	start := ps.now()
	var sum RunSummary

	if ps.lockFactory != nil {
		lock := ps.lockFactory(precalcLockKey, precalcLockTTL)
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			return sum, fmt.Errorf("acquire precalc lock: %w", err)
		}
		if !acquired {
			atomic.AddInt64(&ps.runsSkipped, 1)
			log.Printf("[Precalc] Skipping run, another instance holds the daily lock")
			return sum, nil
		}
		sum.LockHeld = true
		defer func() {
			if err := lock.Release(context.Background()); err != nil {
				log.Printf("[Precalc] Failed to release daily lock: %v", err)
			}
		}()
	}

	now := ps.now().UTC()
	for _, s := range ps.registry.All() {
		if err := ps.scheduleType(ctx, s, now, &sum); err != nil {
			return sum, err
		}
	}

	sum.Elapsed = ps.now().Sub(start)
	atomic.AddInt64(&ps.runsCompleted, 1)
	log.Printf("[Precalc] Run complete: users=%d created=%d duplicate=%d failed=%d elapsed=%s",
		sum.UsersSeen, sum.Created, sum.Duplicate, sum.Failed, sum.Elapsed.Round(time.Millisecond))
	return sum, nil
}

func (ps *PrecalcScheduler) scheduleType(ctx context.Context, s greeting.Strategy, now time.Time, sum *RunSummary) error {
	it, err := ps.users.EventCandidates(ctx, s.Type(), now)
	if err != nil {
		return fmt.Errorf("stream %s candidates: %w", s.Type(), err)
	}
	defer it.Close()

	for it.Next() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		u := it.User()
		sum.UsersSeen++
		atomic.AddInt64(&ps.usersSeen, 1)

		counts, err := scheduleUserEvents(ctx, ps.messages, []greeting.Strategy{s}, u, now)
		sum.Created += int64(counts.created)
		sum.Duplicate += int64(counts.duplicate)
		atomic.AddInt64(&ps.rowsCreated, int64(counts.created))
		atomic.AddInt64(&ps.rowsDuplicate, int64(counts.duplicate))
		if counts.created > 0 {
			ps.metrics.GreetingsScheduled.WithLabelValues(string(s.Type())).Add(float64(counts.created))
		}
		if err != nil {
			// One bad user (unresolvable zone, render failure) must not
			// abort the run for everyone else.
			sum.Failed++
			atomic.AddInt64(&ps.usersFailed, 1)
			log.Printf("[Precalc] Skipping user %s for %s: %v", u.ID, s.Type(), err)
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("iterate %s candidates: %w", s.Type(), err)
	}
	return nil
}

// Stats returns cumulative scheduler counters.
func (ps *PrecalcScheduler) Stats() map[string]int64 {
	return map[string]int64{
		"users_seen":     atomic.LoadInt64(&ps.usersSeen),
		"rows_created":   atomic.LoadInt64(&ps.rowsCreated),
		"rows_duplicate": atomic.LoadInt64(&ps.rowsDuplicate),
		"users_failed":   atomic.LoadInt64(&ps.usersFailed),
		"runs_completed": atomic.LoadInt64(&ps.runsCompleted),
		"runs_skipped":   atomic.LoadInt64(&ps.runsSkipped),
	}
}

type scheduleCounts struct {
	created   int
	duplicate int
}

// scheduleUserEvents inserts the rows for every event of u observed on
// the user's local today or tomorrow. Both the daily run and the user
// lifecycle hooks funnel through here so the two can never disagree on
// date math or key construction.
func scheduleUserEvents(ctx context.Context, messages MessageStore, strategies []greeting.Strategy, u *domain.User, now time.Time) (scheduleCounts, error) {
	var c scheduleCounts

	y, m, d, err := timezone.LocalDate(u.Timezone, now)
	if err != nil {
		return c, err
	}
	ny, nm, nd := timezone.NextDay(y, m, d)
	dates := [2][3]int{{y, int(m), d}, {ny, int(nm), nd}}

	for _, s := range strategies {
		event := s.EventDate(u)
		if event == nil {
			continue
		}
		for _, ld := range dates {
			year, month, day := ld[0], time.Month(ld[1]), ld[2]
			if !timezone.EventObservedOn(*event, year, month, day) {
				continue
			}

			row, err := buildGreetingRow(s, u, year, month, day)
			if err != nil {
				return c, err
			}
			outcome, err := messages.CreateIfAbsent(ctx, row)
			if err != nil {
				return c, fmt.Errorf("create message log %s: %w", row.IdempotencyKey, err)
			}
			if outcome == OutcomeCreated {
				c.created++
			} else {
				c.duplicate++
			}
		}
	}
	return c, nil
}

// buildGreetingRow assembles a SCHEDULED row for the event observed on
// the given local date, resolving 09:00 in the user's zone to UTC and
// rendering the content up front.
func buildGreetingRow(s greeting.Strategy, u *domain.User, year int, month time.Month, day int) (*domain.MessageLog, error) {
	sendAt, err := timezone.NineAMLocalToUTC(u.Timezone, year, month, day)
	if err != nil {
		return nil, err
	}
	content, err := s.Render(u)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", s.Type(), err)
	}
	deliveryDate := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return &domain.MessageLog{
		ID:                uuid.New().String(),
		UserID:            u.ID,
		MessageType:       s.Type(),
		ScheduledSendTime: sendAt,
		DeliveryDate:      deliveryDate,
		Status:            domain.StatusScheduled,
		IdempotencyKey:    domain.IdempotencyKey(u.ID, s.Type(), deliveryDate),
		MessageContent:    content,
	}, nil
}
