package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fairyhunter13/happy-bday-app-sub014/internal/domain"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/greeting"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/metrics"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/pkg/logger"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/timezone"
)

// ErrInvalidInput marks lifecycle calls rejected before touching any
// state: missing fields or an unresolvable timezone. The HTTP layer
// maps it to a 400.
var ErrInvalidInput = errors.New("invalid input")

// Lifecycle reacts to user CRUD notifications from the collaborator
// that owns the users table. Creates and updates schedule imminent
// greetings immediately instead of waiting for the next daily run;
// deletes close the user's pending rows.
type Lifecycle struct {
	messages MessageStore
	registry *greeting.Registry
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewLifecycle creates the lifecycle entry points.
func NewLifecycle(messages MessageStore, registry *greeting.Registry, m *metrics.Metrics) *Lifecycle {
	if m == nil {
		m = metrics.New()
	}
	return &Lifecycle{
		messages: messages,
		registry: registry,
		metrics:  m,
		now:      time.Now,
	}
}

func (l *Lifecycle) validate(u *domain.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}
	if u.Email == "" {
		return fmt.Errorf("%w: missing email", ErrInvalidInput)
	}
	if err := timezone.ValidateZone(u.Timezone); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// UserCreated schedules the new user's greetings for their local today
// and tomorrow, if any event matches. Returns how many rows it created.
func (l *Lifecycle) UserCreated(ctx context.Context, u *domain.User) (int, error) {
	if err := l.validate(u); err != nil {
		return 0, err
	}

	counts, err := scheduleUserEvents(ctx, l.messages, l.registry.All(), u, l.now().UTC())
	if err != nil {
		return counts.created, err
	}
	if counts.created > 0 {
		log.Printf("[Lifecycle] User %s (%s) created, scheduled %d greeting(s)",
			u.ID, logger.RedactEmail(u.Email), counts.created)
	}
	return counts.created, nil
}

// UserUpdated reconciles pending rows with the user's new profile. For
// event dates observed on the new zone's local today or tomorrow it
// moves the send time of not-yet-sending rows and creates rows that
// became applicable. Rows already SENT stay sent; rows in SENDING
// finish their in-flight attempt on the old schedule.
//
// old may be nil when the caller only knows the new state; the
// reschedule is then applied unconditionally, which at worst rewrites a
// send time to the value it already has.
func (l *Lifecycle) UserUpdated(ctx context.Context, old, updated *domain.User) (moved int64, created int, err error) {
	if err := l.validate(updated); err != nil {
		return 0, 0, err
	}

	now := l.now().UTC()
	y, m, d, err := timezone.LocalDate(updated.Timezone, now)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	ny, nm, nd := timezone.NextDay(y, m, d)
	dates := [2][3]int{{y, int(m), d}, {ny, int(nm), nd}}

	for _, s := range l.registry.All() {
		event := s.EventDate(updated)
		if event == nil {
			continue
		}
		changed := old == nil ||
			old.Timezone != updated.Timezone ||
			!sameAnchorDate(s.EventDate(old), event)

		for _, ld := range dates {
			year, month, day := ld[0], time.Month(ld[1]), ld[2]
			if !timezone.EventObservedOn(*event, year, month, day) {
				continue
			}

			row, err := buildGreetingRow(s, updated, year, month, day)
			if err != nil {
				return moved, created, err
			}

			if changed {
				n, err := l.messages.UpdateSchedule(ctx, updated.ID, s.Type(), row.DeliveryDate, row.ScheduledSendTime)
				if err != nil {
					return moved, created, fmt.Errorf("update schedule for %s: %w", row.IdempotencyKey, err)
				}
				moved += n
				if n > 0 {
					continue
				}
			}

			// Nothing to move: either the event just became applicable
			// or the daily run has not reached this user yet. The
			// idempotency key absorbs the case where the row exists in
			// a state UpdateSchedule does not touch.
			outcome, err := l.messages.CreateIfAbsent(ctx, row)
			if err != nil {
				return moved, created, fmt.Errorf("create message log %s: %w", row.IdempotencyKey, err)
			}
			if outcome == OutcomeCreated {
				created++
			}
		}
	}

	if moved > 0 || created > 0 {
		log.Printf("[Lifecycle] User %s updated, moved %d row(s), created %d", updated.ID, moved, created)
	}
	return moved, created, nil
}

// UserDeleted closes the user's pending rows as DEAD with reason
// user_removed. The send pool additionally re-checks deletion right
// before every send, so rows this call races with still cannot produce
// an email.
func (l *Lifecycle) UserDeleted(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}

	n, err := l.messages.MarkUserRemoved(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("mark user removed: %w", err)
	}
	if n > 0 {
		l.metrics.GreetingsDead.WithLabelValues(domain.ReasonUserRemoved).Add(float64(n))
		log.Printf("[Lifecycle] User %s deleted, closed %d pending greeting(s)", userID, n)
	}
	return n, nil
}

// sameAnchorDate compares two event anchors by calendar day, the only
// part scheduling looks at.
func sameAnchorDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
