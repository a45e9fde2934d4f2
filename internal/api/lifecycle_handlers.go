package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/happy-bday-app-sub014/internal/domain"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/worker"
)

// userEvent is the notification payload from the user CRUD collaborator.
// Old is only meaningful for updates and may be null when the caller
// does not track the previous profile.
type userEvent struct {
	User *domain.User `json:"user"`
	Old  *domain.User `json:"old,omitempty"`
}

// HandleUserCreated ingests a user-created notification: persist the
// read model, then schedule any greeting already imminent in the user's
// zone.
//
//	POST /internal/users/created
func (h *Handlers) HandleUserCreated(w http.ResponseWriter, r *http.Request) {
	var ev userEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if ev.User == nil {
		respondError(w, http.StatusBadRequest, "missing user")
		return
	}

	if h.users != nil {
		if err := h.users.Upsert(r.Context(), ev.User); err != nil {
			respondError(w, http.StatusInternalServerError, "persist user: "+err.Error())
			return
		}
	}

	created, err := h.lifecycle.UserCreated(r.Context(), ev.User)
	if err != nil {
		respondLifecycleError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":   ev.User.ID,
		"scheduled": created,
	})
}

// HandleUserUpdated ingests a user-updated notification and reconciles
// pending greetings with the new profile.
//
//	POST /internal/users/updated
func (h *Handlers) HandleUserUpdated(w http.ResponseWriter, r *http.Request) {
	var ev userEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if ev.User == nil {
		respondError(w, http.StatusBadRequest, "missing user")
		return
	}

	if h.users != nil {
		if err := h.users.Upsert(r.Context(), ev.User); err != nil {
			respondError(w, http.StatusInternalServerError, "persist user: "+err.Error())
			return
		}
	}

	moved, created, err := h.lifecycle.UserUpdated(r.Context(), ev.Old, ev.User)
	if err != nil {
		respondLifecycleError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":   ev.User.ID,
		"moved":     moved,
		"scheduled": created,
	})
}

// HandleUserDeleted ingests a user-deleted notification: soft-delete
// the read model and close the user's pending greetings.
//
//	POST /internal/users/deleted
func (h *Handlers) HandleUserDeleted(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.ID == "" {
		respondError(w, http.StatusBadRequest, "missing id")
		return
	}

	if h.users != nil {
		if _, err := h.users.SoftDelete(r.Context(), body.ID); err != nil {
			respondError(w, http.StatusInternalServerError, "delete user: "+err.Error())
			return
		}
	}

	closed, err := h.lifecycle.UserDeleted(r.Context(), body.ID)
	if err != nil {
		respondLifecycleError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": body.ID,
		"closed":  closed,
	})
}

func respondLifecycleError(w http.ResponseWriter, err error) {
	if errors.Is(err, worker.ErrInvalidInput) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
