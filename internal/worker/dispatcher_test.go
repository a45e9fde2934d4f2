package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fairyhunter13/happy-bday-app-sub014/internal/domain"
	"github.com/google/uuid"
)

func seedScheduled(messages *fakeMessageStore, userID string, sendAt time.Time) string {
	id := uuid.New().String()
	messages.put(&domain.MessageLog{
		ID:                id,
		UserID:            userID,
		MessageType:       domain.TypeBirthday,
		ScheduledSendTime: sendAt,
		DeliveryDate:      date(sendAt.Year(), sendAt.Month(), sendAt.Day()),
		Status:            domain.StatusScheduled,
		IdempotencyKey:    domain.IdempotencyKey(userID, domain.TypeBirthday, sendAt),
		MessageContent:    "Hey, Alice Smith it's your birthday",
	})
	return id
}

func TestDispatcher_PublishesDueRowWithExactDelay(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	messages := newFakeMessageStore()
	q := newFakeQueue()
	id := seedScheduled(messages, "u1", now.Add(30*time.Minute))

	d := NewDispatcher(messages, q, nil, time.Minute, time.Hour, 100)
	d.now = func() time.Time { return now }

	if err := d.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}

	if got := messages.get(id).Status; got != domain.StatusEnqueued {
		t.Errorf("Status = %s, want ENQUEUED", got)
	}
	if q.publishedCount() != 1 {
		t.Fatalf("published = %d, want 1", q.publishedCount())
	}
	msg := q.lastPublished()
	if msg.env.MessageLogID != id || msg.env.Attempt != 0 {
		t.Errorf("envelope = %+v, want {%s 0}", msg.env, id)
	}
	if msg.delay != 30*time.Minute {
		t.Errorf("delay = %s, want 30m (deliver at the exact send instant)", msg.delay)
	}
}

func TestDispatcher_OverdueRowPublishedImmediately(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	messages := newFakeMessageStore()
	q := newFakeQueue()
	seedScheduled(messages, "u1", now.Add(-10*time.Minute))

	d := NewDispatcher(messages, q, nil, time.Minute, time.Hour, 100)
	d.now = func() time.Time { return now }

	if err := d.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if q.publishedCount() != 1 || q.lastPublished().delay != 0 {
		t.Errorf("published = %d delay = %s, want 1 with zero delay", q.publishedCount(), q.lastPublished().delay)
	}
}

func TestDispatcher_RowBeyondHorizonWaits(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	messages := newFakeMessageStore()
	q := newFakeQueue()
	id := seedScheduled(messages, "u1", now.Add(2*time.Hour))

	d := NewDispatcher(messages, q, nil, time.Minute, time.Hour, 100)
	d.now = func() time.Time { return now }

	if err := d.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if q.publishedCount() != 0 {
		t.Errorf("published = %d, want 0 for a row outside the horizon", q.publishedCount())
	}
	if got := messages.get(id).Status; got != domain.StatusScheduled {
		t.Errorf("Status = %s, want still SCHEDULED", got)
	}
}

func TestDispatcher_BatchLimitRespected(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	messages := newFakeMessageStore()
	q := newFakeQueue()
	for i := 0; i < 5; i++ {
		seedScheduled(messages, uuid.New().String(), now.Add(time.Duration(i)*time.Minute))
	}

	d := NewDispatcher(messages, q, nil, time.Minute, time.Hour, 2)
	d.now = func() time.Time { return now }

	if err := d.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if q.publishedCount() != 2 {
		t.Errorf("published = %d, want batch limit 2", q.publishedCount())
	}
}

func TestDispatcher_PublishFailureRollsBack(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	messages := newFakeMessageStore()
	q := newFakeQueue()
	q.publishErr = errors.New("broker down")
	id := seedScheduled(messages, "u1", now)

	d := NewDispatcher(messages, q, nil, time.Minute, time.Hour, 100)
	d.now = func() time.Time { return now }

	if err := d.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if got := messages.get(id).Status; got != domain.StatusScheduled {
		t.Errorf("Status = %s, want rolled back to SCHEDULED", got)
	}
	if got := d.Stats()["publish_failed"]; got != 1 {
		t.Errorf("publish_failed = %d, want 1", got)
	}
}

func TestDispatcher_RetriedRowCarriesAttemptCount(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	messages := newFakeMessageStore()
	q := newFakeQueue()
	id := seedScheduled(messages, "u1", now)

	// A row the sweeper reverted after earlier failures keeps its count.
	row := messages.get(id)
	row.RetryCount = 3
	messages.put(&row)

	d := NewDispatcher(messages, q, nil, time.Minute, time.Hour, 100)
	d.now = func() time.Time { return now }

	if err := d.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if got := q.lastPublished().env.Attempt; got != 3 {
		t.Errorf("envelope attempt = %d, want 3", got)
	}
}
