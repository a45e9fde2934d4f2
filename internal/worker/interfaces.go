// Package worker contains the background machinery of the greeting
// pipeline: the daily pre-calculation scheduler, the minute dispatcher,
// the delivery worker pool, the recovery sweeper, the retention worker,
// and the user-lifecycle entry points.
//
// This file defines the seams the machinery depends on. Concrete
// implementations live in internal/repository/postgres, internal/queue,
// and internal/emailer; tests substitute in-memory fakes.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/fairyhunter13/happy-bday-app-sub014/internal/domain"
)

// ErrNotFound is returned by stores when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// CreateOutcome reports whether CreateIfAbsent inserted a new row or hit
// the idempotency key of an existing one.
type CreateOutcome int

const (
	// OutcomeCreated means a new message log row was inserted.
	OutcomeCreated CreateOutcome = iota
	// OutcomeAlreadyExists means a row with the same idempotency key was
	// already present; the call was a harmless no-op.
	OutcomeAlreadyExists
)

// UserIterator streams users from a store without materializing the full
// result set. Callers must Close it and check Err after the loop.
type UserIterator interface {
	Next() bool
	User() *domain.User
	Err() error
	Close() error
}

// UserStore is the read-side adapter over the externally-owned user data.
type UserStore interface {
	// EventCandidates streams non-deleted users whose event for the given
	// message type may be observed on the user's local today or tomorrow
	// relative to now. The store may over-approximate (candidate SQL by
	// month/day); callers re-check with real zone math per user.
	EventCandidates(ctx context.Context, t domain.MessageType, now time.Time) (UserIterator, error)

	// GetByID fetches one user, including soft-deleted ones so callers
	// can distinguish "deleted" from "never existed". Returns ErrNotFound
	// when no row exists at all.
	GetByID(ctx context.Context, id string) (*domain.User, error)
}

// StatusUpdate carries the optional column updates applied together with
// a status transition. Nil fields are left untouched.
type StatusUpdate struct {
	LastError        *string
	ResponseCode     *int
	IncrementRetry   bool
	TouchLastAttempt bool
}

// MessageStore is the message-log adapter. Every status mutation goes
// through TransitionStatus so the compare-and-swap discipline cannot be
// bypassed.
type MessageStore interface {
	// CreateIfAbsent inserts the row unless its idempotency key already
	// exists. A duplicate is an outcome, not an error.
	CreateIfAbsent(ctx context.Context, m *domain.MessageLog) (CreateOutcome, error)

	// GetByID fetches one message log row. Returns ErrNotFound when absent.
	GetByID(ctx context.Context, id string) (*domain.MessageLog, error)

	// FindDueForEnqueue returns SCHEDULED rows whose send time falls
	// before now+horizon, oldest first, capped at limit.
	FindDueForEnqueue(ctx context.Context, now time.Time, horizon time.Duration, limit int) ([]domain.MessageLog, error)

	// FindOverdueScheduled returns SCHEDULED rows whose send time passed
	// more than grace ago: work the dispatcher missed.
	FindOverdueScheduled(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]domain.MessageLog, error)

	// FindStuckEnqueued returns ENQUEUED rows untouched for longer than
	// age: published messages that evidently never reached a worker.
	FindStuckEnqueued(ctx context.Context, now time.Time, age time.Duration, limit int) ([]domain.MessageLog, error)

	// FindStaleSending returns SENDING rows whose last attempt started
	// more than age ago: workers that died mid-send.
	FindStaleSending(ctx context.Context, now time.Time, age time.Duration, limit int) ([]domain.MessageLog, error)

	// FindRetryDue returns FAILED rows whose deterministic backoff has
	// elapsed: republishes that were lost. Rows at the retry ceiling are
	// included; their next attempt is the one that settles them.
	FindRetryDue(ctx context.Context, now time.Time, base time.Duration, cap time.Duration, maxRetries, limit int) ([]domain.MessageLog, error)

	// TransitionStatus atomically moves the row from one status to
	// another, applying upd in the same statement. Returns false when the
	// row was not in the expected status; that is a lost race, not an
	// error.
	TransitionStatus(ctx context.Context, id string, from, to domain.Status, upd StatusUpdate) (bool, error)

	// UpdateSchedule moves the send time of not-yet-sending rows for one
	// (user, type, delivery date) and returns how many rows changed.
	UpdateSchedule(ctx context.Context, userID string, t domain.MessageType, deliveryDate time.Time, sendTime time.Time) (int64, error)

	// MarkUserRemoved dead-letters all pending rows of a deleted user and
	// returns how many rows it closed.
	MarkUserRemoved(ctx context.Context, userID string) (int64, error)

	// CountByStatus returns row counts per status for stats and gauges.
	CountByStatus(ctx context.Context) (map[domain.Status]int64, error)

	// DeleteTerminalOlderThan removes SENT/DEAD rows older than cutoff in
	// batches of at most limit, returning the number deleted.
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}
