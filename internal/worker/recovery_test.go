package worker

import (
	"context"
	"testing"
	"time"

	"github.com/fairyhunter13/happy-bday-app-sub014/internal/domain"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/emailer"
	"github.com/google/uuid"
)

func newTestRecovery(messages *fakeMessageStore, q *fakeQueue, now time.Time) *RecoveryWorker {
	rw := NewRecoveryWorker(messages, q, nil, RecoveryConfig{
		Interval:         10 * time.Minute,
		OverdueGrace:     2 * time.Minute,
		StuckEnqueuedAge: 15 * time.Minute,
		StaleSendingAge:  5 * time.Minute,
		RetryBase:        2 * time.Second,
		RetryCap:         5 * time.Minute,
		MaxRetries:       5,
		BatchLimit:       100,
	})
	rw.now = func() time.Time { return now }
	return rw
}

func seedRow(messages *fakeMessageStore, status domain.Status, mutate func(*domain.MessageLog)) string {
	id := uuid.New().String()
	row := &domain.MessageLog{
		ID:                id,
		UserID:            "u1",
		MessageType:       domain.TypeBirthday,
		ScheduledSendTime: time.Now().UTC(),
		DeliveryDate:      date(2025, 6, 15),
		Status:            status,
		IdempotencyKey:    id,
		MessageContent:    "Hey, Alice Smith it's your birthday",
	}
	if mutate != nil {
		mutate(row)
	}
	messages.put(row)
	return id
}

func TestRecovery_OverdueScheduledRequeued(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	messages := newFakeMessageStore()
	q := newFakeQueue()
	id := seedRow(messages, domain.StatusScheduled, func(r *domain.MessageLog) {
		r.ScheduledSendTime = now.Add(-10 * time.Minute)
	})

	rw := newTestRecovery(messages, q, now)
	rw.Sweep(context.Background())

	if got := messages.get(id).Status; got != domain.StatusEnqueued {
		t.Fatalf("Status = %s, want ENQUEUED", got)
	}
	if q.publishedCount() != 1 {
		t.Fatalf("published = %d, want 1", q.publishedCount())
	}
	msg := q.lastPublished()
	if msg.delay != 0 {
		t.Errorf("delay = %s, overdue work ships immediately", msg.delay)
	}
	if msg.env.MessageLogID != id {
		t.Errorf("envelope id = %s, want %s", msg.env.MessageLogID, id)
	}
}

func TestRecovery_OverdueWithinGraceLeftAlone(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	messages := newFakeMessageStore()
	q := newFakeQueue()
	id := seedRow(messages, domain.StatusScheduled, func(r *domain.MessageLog) {
		r.ScheduledSendTime = now.Add(-time.Minute)
	})

	rw := newTestRecovery(messages, q, now)
	rw.Sweep(context.Background())

	if got := messages.get(id).Status; got != domain.StatusScheduled {
		t.Errorf("Status = %s, rows inside the grace window belong to the dispatcher", got)
	}
	if q.publishedCount() != 0 {
		t.Errorf("published = %d, want 0", q.publishedCount())
	}
}

func TestRecovery_OverdueAtRetryCeilingGoesDead(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	messages := newFakeMessageStore()
	q := newFakeQueue()
	id := seedRow(messages, domain.StatusScheduled, func(r *domain.MessageLog) {
		r.ScheduledSendTime = now.Add(-10 * time.Minute)
		r.RetryCount = 5
	})

	rw := newTestRecovery(messages, q, now)
	rw.Sweep(context.Background())

	row := messages.get(id)
	if row.Status != domain.StatusDead {
		t.Fatalf("Status = %s, want DEAD", row.Status)
	}
	if row.LastError != "retries exhausted" {
		t.Errorf("LastError = %q", row.LastError)
	}
	if q.publishedCount() != 0 {
		t.Errorf("published = %d, exhausted rows get no more attempts", q.publishedCount())
	}
	if got := rw.Stats()["closed_dead"]; got != 1 {
		t.Errorf("closed_dead = %d, want 1", got)
	}
}

func TestRecovery_StuckEnqueuedRevertedToScheduled(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	messages := newFakeMessageStore()
	q := newFakeQueue()
	id := seedRow(messages, domain.StatusEnqueued, func(r *domain.MessageLog) {
		r.ScheduledSendTime = now.Add(-30 * time.Minute)
		r.UpdatedAt = now.Add(-20 * time.Minute)
	})

	rw := newTestRecovery(messages, q, now)
	rw.scanStuckEnqueued(context.Background())

	if got := messages.get(id).Status; got != domain.StatusScheduled {
		t.Fatalf("Status = %s, want SCHEDULED so the dispatcher republishes", got)
	}
	if q.publishedCount() != 0 {
		t.Errorf("published = %d, the revert itself must not publish", q.publishedCount())
	}
}

func TestRecovery_FreshEnqueuedLeftAlone(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	messages := newFakeMessageStore()
	q := newFakeQueue()
	id := seedRow(messages, domain.StatusEnqueued, func(r *domain.MessageLog) {
		r.UpdatedAt = now.Add(-time.Minute)
	})

	rw := newTestRecovery(messages, q, now)
	rw.Sweep(context.Background())

	if got := messages.get(id).Status; got != domain.StatusEnqueued {
		t.Errorf("Status = %s, want untouched ENQUEUED", got)
	}
}

func TestRecovery_StaleSendingRequeuedAndDelivered(t *testing.T) {
	// A worker claimed the row and died. The sweep fails the row and
	// re-enqueues it; the next delivery completes the greeting.
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	messages := newFakeMessageStore()
	q := newFakeQueue()
	stale := now.Add(-10 * time.Minute)
	id := seedRow(messages, domain.StatusSending, func(r *domain.MessageLog) {
		r.LastAttemptAt = &stale
	})

	rw := newTestRecovery(messages, q, now)
	rw.Sweep(context.Background())

	if got := messages.get(id).Status; got != domain.StatusEnqueued {
		t.Fatalf("Status = %s, want re-enqueued", got)
	}
	if q.publishedCount() != 1 {
		t.Fatalf("published = %d, want 1", q.publishedCount())
	}

	users := newFakeUserStore(testUser("u1", "UTC", date(1990, 6, 15)))
	sender := newFakeSender(emailer.Result{Outcome: emailer.OutcomeSent, Code: 200})
	p := newTestPool(q, messages, users, sender)
	msg := q.lastPublished()
	p.process(context.Background(), delivery(msg.env.MessageLogID, msg.env.Attempt))

	if got := messages.get(id).Status; got != domain.StatusSent {
		t.Errorf("Status = %s, want SENT after recovery", got)
	}
	if sender.callCount() != 1 {
		t.Errorf("sender calls = %d, want 1", sender.callCount())
	}
}

func TestRecovery_ActiveSendingLeftAlone(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	messages := newFakeMessageStore()
	q := newFakeQueue()
	recent := now.Add(-time.Minute)
	id := seedRow(messages, domain.StatusSending, func(r *domain.MessageLog) {
		r.LastAttemptAt = &recent
	})

	rw := newTestRecovery(messages, q, now)
	rw.Sweep(context.Background())

	if got := messages.get(id).Status; got != domain.StatusSending {
		t.Errorf("Status = %s, in-flight attempts must not be disturbed", got)
	}
}

func TestRecovery_RetryDueRepublished(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	messages := newFakeMessageStore()
	q := newFakeQueue()
	old := now.Add(-time.Hour)
	id := seedRow(messages, domain.StatusFailed, func(r *domain.MessageLog) {
		r.RetryCount = 2
		r.LastAttemptAt = &old
	})

	rw := newTestRecovery(messages, q, now)
	rw.scanRetryDue(context.Background())

	if got := messages.get(id).Status; got != domain.StatusEnqueued {
		t.Fatalf("Status = %s, want ENQUEUED", got)
	}
	if q.publishedCount() != 1 {
		t.Fatalf("published = %d, want 1", q.publishedCount())
	}
	if got := q.lastPublished().env.Attempt; got != 2 {
		t.Errorf("attempt = %d, want the row's retry count", got)
	}
}

func TestRecovery_RetryNotYetDueLeftAlone(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	messages := newFakeMessageStore()
	q := newFakeQueue()
	recent := now.Add(-time.Second)
	id := seedRow(messages, domain.StatusFailed, func(r *domain.MessageLog) {
		r.RetryCount = 3
		r.LastAttemptAt = &recent
	})

	rw := newTestRecovery(messages, q, now)
	rw.scanRetryDue(context.Background())

	if got := messages.get(id).Status; got != domain.StatusFailed {
		t.Errorf("Status = %s, backoff for attempt 3 has not elapsed", got)
	}
	if q.publishedCount() != 0 {
		t.Errorf("published = %d, want 0", q.publishedCount())
	}
}

func TestRecovery_FinalAttemptStillRepublished(t *testing.T) {
	// A FAILED row at the ceiling is owed the attempt that settles it;
	// the worker, not the sweeper, decides DEAD for failed sends.
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	messages := newFakeMessageStore()
	q := newFakeQueue()
	old := now.Add(-time.Hour)
	id := seedRow(messages, domain.StatusFailed, func(r *domain.MessageLog) {
		r.RetryCount = 5
		r.LastAttemptAt = &old
	})

	rw := newTestRecovery(messages, q, now)
	rw.scanRetryDue(context.Background())

	if got := messages.get(id).Status; got != domain.StatusEnqueued {
		t.Errorf("Status = %s, want re-enqueued for the settling attempt", got)
	}
	if q.publishedCount() != 1 {
		t.Errorf("published = %d, want 1", q.publishedCount())
	}
}

func TestRecovery_SweepTwiceDoesNotDoublePublish(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	messages := newFakeMessageStore()
	q := newFakeQueue()
	seedRow(messages, domain.StatusScheduled, func(r *domain.MessageLog) {
		r.ScheduledSendTime = now.Add(-10 * time.Minute)
	})

	rw := newTestRecovery(messages, q, now)
	rw.Sweep(context.Background())
	rw.Sweep(context.Background())

	if q.publishedCount() != 1 {
		t.Errorf("published = %d after two sweeps, want 1", q.publishedCount())
	}
}
