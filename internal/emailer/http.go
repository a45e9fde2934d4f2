package emailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fairyhunter13/happy-bday-app-sub014/internal/pkg/httpretry"
)

const sendPath = "/send-email"

// sendRequest is the wire contract of the external email service.
type sendRequest struct {
	Email   string `json:"email"`
	Message string `json:"message"`
}

// HTTPSender delivers greetings to the HTTP email service. The injected
// retry client rides out single blips; the breaker guards against
// sustained outages by failing fast before any request is made.
type HTTPSender struct {
	url     string
	client  *httpretry.RetryClient
	breaker *Breaker
}

// NewHTTPSender creates a sender for the service at baseURL. A nil
// breaker disables fail-fast behavior.
func NewHTTPSender(baseURL string, client *httpretry.RetryClient, breaker *Breaker) *HTTPSender {
	if client == nil {
		client = httpretry.NewRetryClient(nil, 0)
	}
	return &HTTPSender{
		url:     strings.TrimRight(baseURL, "/") + sendPath,
		client:  client,
		breaker: breaker,
	}
}

// Send posts the greeting and classifies the outcome. One call makes at
// most the configured number of inner attempts; the breaker sees a
// single aggregated sample per call.
func (s *HTTPSender) Send(ctx context.Context, email, message string) (Result, error) {
	if s.breaker != nil && !s.breaker.Allow() {
		return Result{Outcome: OutcomeTransient, Reason: "breaker open"}, ErrBreakerOpen
	}

	body, err := json.Marshal(sendRequest{Email: email, Message: message})
	if err != nil {
		return Result{}, fmt.Errorf("marshal send request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, attempts, err := s.client.DoWithAttempts(req)
	latency := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeTransient, Reason: "canceled", Latency: latency, Attempts: attempts}, ctx.Err()
		}
		s.record(false)
		return Result{
			Outcome:  OutcomeTransient,
			Reason:   reasonFromErr(err),
			Latency:  latency,
			Attempts: attempts,
		}, nil
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	outcome := ClassifyStatus(resp.StatusCode)
	s.record(outcome != OutcomeTransient)

	res := Result{Outcome: outcome, Code: resp.StatusCode, Latency: latency, Attempts: attempts}
	if outcome != OutcomeSent {
		res.Reason = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return res, nil
}

func (s *HTTPSender) record(ok bool) {
	if s.breaker != nil {
		s.breaker.Record(ok)
	}
}

func reasonFromErr(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "connection error"
}
