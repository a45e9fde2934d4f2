package domain

import (
	"fmt"
	"time"
)

// MessageType identifies the kind of date-anchored greeting.
type MessageType string

const (
	TypeBirthday    MessageType = "BIRTHDAY"
	TypeAnniversary MessageType = "ANNIVERSARY"
)

// Status is the delivery state of a message log row. Every row moves
// through the lifecycle below, and only through it:
//
//	SCHEDULED -> ENQUEUED -> SENDING -> SENT
//	                                 -> FAILED -> ENQUEUED (retry)
//	                                 -> DEAD
//
// Backward moves (ENQUEUED -> SCHEDULED) exist only for recovery of
// stuck work. SENT and DEAD are terminal.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusEnqueued  Status = "ENQUEUED"
	StatusSending   Status = "SENDING"
	StatusSent      Status = "SENT"
	StatusFailed    Status = "FAILED"
	StatusDead      Status = "DEAD"
)

// transitions is the authoritative edge set of the status machine.
// Repositories enforce it with compare-and-swap updates; this table is
// the in-process check and the documentation of record.
var transitions = map[Status][]Status{
	StatusScheduled: {StatusEnqueued, StatusDead},
	StatusEnqueued:  {StatusSending, StatusScheduled, StatusDead},
	StatusSending:   {StatusSent, StatusFailed, StatusDead},
	StatusFailed:    {StatusEnqueued, StatusSending, StatusDead},
	StatusSent:      {},
	StatusDead:      {},
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no further transitions may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusDead
}

// CanTransition reports whether moving from s to target is a legal edge.
func (s Status) CanTransition(target Status) bool {
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// MessageLog is one scheduled greeting for one user on one delivery day.
// The unique IdempotencyKey makes scheduling idempotent: no matter how
// many times the pre-calculation runs, at most one row exists per
// (user, message type, delivery date).
type MessageLog struct {
	ID                string      `json:"id" db:"id"`
	UserID            string      `json:"user_id" db:"user_id"`
	MessageType       MessageType `json:"message_type" db:"message_type"`
	ScheduledSendTime time.Time   `json:"scheduled_send_time" db:"scheduled_send_time"`
	DeliveryDate      time.Time   `json:"delivery_date" db:"delivery_date"`
	Status            Status      `json:"status" db:"status"`
	RetryCount        int         `json:"retry_count" db:"retry_count"`
	IdempotencyKey    string      `json:"idempotency_key" db:"idempotency_key"`
	MessageContent    string      `json:"message_content" db:"message_content"`
	LastAttemptAt     *time.Time  `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	LastError         string      `json:"last_error,omitempty" db:"last_error"`
	ResponseCode      int         `json:"response_code,omitempty" db:"response_code"`
	CreatedAt         time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at" db:"updated_at"`
}

// IdempotencyKey builds the unique scheduling key for one greeting:
// "{userID}:{messageType}:{deliveryDate}" with the date in YYYY-MM-DD.
func IdempotencyKey(userID string, t MessageType, deliveryDate time.Time) string {
	return fmt.Sprintf("%s:%s:%s", userID, t, deliveryDate.UTC().Format("2006-01-02"))
}

// ReasonUserRemoved is recorded on rows dead-lettered because the user
// was deleted between scheduling and delivery.
const ReasonUserRemoved = "user_removed"

// Envelope is the queue payload. It deliberately carries only the row ID
// and the attempt ordinal; workers re-read the row so that stale queue
// messages can never resurrect finished work.
type Envelope struct {
	MessageLogID string `json:"message_log_id"`
	Attempt      int    `json:"attempt"`
}
