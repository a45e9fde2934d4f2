// Package api is the operational HTTP surface of the greeting pipeline:
// health and readiness probes, Prometheus exposition, per-status stats
// and the ingress hooks through which the user CRUD collaborator
// notifies us of profile changes. Scheduling itself never goes through
// HTTP; the handlers are transport glue over the worker package.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/fairyhunter13/happy-bday-app-sub014/internal/domain"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/emailer"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/metrics"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/queue"
)

// MessageCounter is the slice of the message store the stats endpoint
// reads.
type MessageCounter interface {
	CountByStatus(ctx context.Context) (map[domain.Status]int64, error)
}

// UserWriter maintains the user read model from ingress notifications.
type UserWriter interface {
	Upsert(ctx context.Context, u *domain.User) error
	SoftDelete(ctx context.Context, id string) (bool, error)
}

// LifecycleHooks reschedules greetings in reaction to user changes.
type LifecycleHooks interface {
	UserCreated(ctx context.Context, u *domain.User) (int, error)
	UserUpdated(ctx context.Context, old, updated *domain.User) (int64, int, error)
	UserDeleted(ctx context.Context, userID string) (int64, error)
}

// StatsSource exposes a pipeline component's cumulative counters.
type StatsSource interface {
	Stats() map[string]int64
}

// Handlers contains all HTTP handlers.
type Handlers struct {
	db        *sql.DB
	queue     queue.Queue
	messages  MessageCounter
	users     UserWriter
	lifecycle LifecycleHooks
	metrics   *metrics.Metrics
	breaker   *emailer.Breaker

	components map[string]StatsSource
}

// NewHandlers creates a Handlers instance. Optional dependencies are
// attached with setters before the server starts.
func NewHandlers(db *sql.DB, q queue.Queue, messages MessageCounter, lifecycle LifecycleHooks, m *metrics.Metrics) *Handlers {
	if m == nil {
		m = metrics.New()
	}
	return &Handlers{
		db:         db,
		queue:      q,
		messages:   messages,
		lifecycle:  lifecycle,
		metrics:    m,
		components: make(map[string]StatsSource),
	}
}

// SetUserWriter attaches the user read-model writer. Without it the
// ingress hooks reschedule greetings but do not touch the users table.
func (h *Handlers) SetUserWriter(users UserWriter) {
	h.users = users
}

// SetBreaker attaches the email circuit breaker for state reporting.
func (h *Handlers) SetBreaker(b *emailer.Breaker) {
	h.breaker = b
}

// RegisterComponent exposes a component's Stats() under the given name
// on /api/stats. Call before the server starts serving.
func (h *Handlers) RegisterComponent(name string, s StatsSource) {
	h.components[name] = s
}

// StatsResponse is the /api/stats payload.
type StatsResponse struct {
	Messages   map[string]int64            `json:"messages"`
	QueueDepth int64                       `json:"queue_depth"`
	Circuit    string                      `json:"circuit"`
	Components map[string]map[string]int64 `json:"components"`
}

// HandleStats reports per-status message counts, queue depth, breaker
// position and each registered component's counters.
//
//	GET /api/stats
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	counts, err := h.messages.CountByStatus(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "count messages: "+err.Error())
		return
	}

	resp := StatsResponse{
		Messages:   make(map[string]int64, len(counts)),
		QueueDepth: -1,
		Circuit:    "disabled",
		Components: make(map[string]map[string]int64, len(h.components)),
	}
	for status, n := range counts {
		resp.Messages[string(status)] = n
	}

	if h.queue != nil {
		depth, err := h.queue.Depth(ctx)
		if err != nil {
			log.Printf("[API] Queue depth check failed: %v", err)
		} else {
			resp.QueueDepth = depth
		}
	}
	if h.breaker != nil {
		resp.Circuit = h.breaker.State().String()
	}
	for name, src := range h.components {
		resp.Components[name] = src.Stats()
	}

	respondJSON(w, http.StatusOK, resp)
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
