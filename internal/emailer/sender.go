// Package emailer delivers rendered greetings to an email provider and
// classifies every attempt into one of three outcomes. Transient
// failures (timeouts, connection errors, 408, 425, 429, any 5xx) are
// worth retrying; permanent failures (other 4xx) never succeed on
// retry; sent means the provider accepted the message.
package emailer

import (
	"context"
	"errors"
	"time"

	"github.com/fairyhunter13/happy-bday-app-sub014/internal/pkg/httpretry"
)

// ErrBreakerOpen is returned when the circuit breaker rejects a send
// without making any request.
var ErrBreakerOpen = errors.New("emailer: circuit breaker open")

// Outcome classifies a delivery attempt.
type Outcome int

const (
	// OutcomeSent means the provider accepted the message.
	OutcomeSent Outcome = iota
	// OutcomeTransient means the attempt failed in a retryable way.
	OutcomeTransient
	// OutcomePermanent means retrying the same request cannot succeed.
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Result describes one Send call.
type Result struct {
	Outcome Outcome
	// Code is the final HTTP status, zero when no response arrived.
	Code    int
	Reason  string
	Latency time.Duration
	// Attempts counts physical requests made inside this call,
	// including the short inner retries.
	Attempts int
}

// Sender delivers one greeting to one recipient. The result classifies
// what happened; err is non-nil only when no delivery was attempted
// (breaker open) or the context ended.
type Sender interface {
	Send(ctx context.Context, email, message string) (Result, error)
}

// ClassifyStatus maps an HTTP status code to an outcome. Codes outside
// the taxonomy (1xx, 3xx) are treated as transient: the service
// responded with something unexpected, which a retry may clear.
func ClassifyStatus(code int) Outcome {
	switch {
	case code >= 200 && code < 300:
		return OutcomeSent
	case httpretry.RetryableStatus(code):
		return OutcomeTransient
	case code >= 400 && code < 500:
		return OutcomePermanent
	default:
		return OutcomeTransient
	}
}
