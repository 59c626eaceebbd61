package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelmail/hookrelay/internal/auth"
	"github.com/kestrelmail/hookrelay/internal/backoff"
	"github.com/kestrelmail/hookrelay/internal/dispatch"
	"github.com/kestrelmail/hookrelay/internal/event"
	"github.com/kestrelmail/hookrelay/internal/ledger"
	"github.com/kestrelmail/hookrelay/internal/subscription"
)

const (
	defaultBatchSize  = 1
	defaultMaxRetries = 8
)

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *subscription.ValidationError
	switch {
	case errors.As(err, &ve):
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Reason, Field: ve.Field})
	case errors.Is(err, dispatch.ErrInvalidInput):
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, subscription.ErrNotFound),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, event.ErrNotFound):
		respondJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		s.logger.WithContext(r.Context()).WithError(err).Error("request failed")
		respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

type publishEventRequest struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	RelatedID string         `json:"related_id,omitempty"`
}

// handlePublishEvent accepts an event for fan-out. 202: the caller learns
// nothing about delivery outcomes here, only that the event was accepted.
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	tenantID := auth.TenantID(r.Context())
	if err := s.disp.Dispatch(r.Context(), tenantID, req.EventType, req.Payload, req.RelatedID); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type createSubscriptionRequest struct {
	URL         string          `json:"url"`
	Secret      string          `json:"secret,omitempty"`
	EventFilter []string        `json:"event_filter"`
	BatchSize   *int            `json:"batch_size,omitempty"`
	MaxRetries  *int            `json:"max_retries,omitempty"`
	Backoff     *backoff.Policy `json:"backoff,omitempty"`
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	p := subscription.CreateParams{
		TenantID:    auth.TenantID(r.Context()),
		URL:         req.URL,
		Secret:      req.Secret,
		EventFilter: req.EventFilter,
		BatchSize:   defaultBatchSize,
		MaxRetries:  defaultMaxRetries,
		Backoff:     req.Backoff,
	}
	if req.BatchSize != nil {
		p.BatchSize = *req.BatchSize
	}
	if req.MaxRetries != nil {
		p.MaxRetries = *req.MaxRetries
	}

	sub, err := s.subs.Create(r.Context(), p)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	// Create is the one read that returns the plaintext secret.
	respondJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.subs.ListForTenant(r.Context(), auth.TenantID(r.Context()))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]subscription.Subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.Redacted())
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.subs.GetForTenant(r.Context(), chi.URLParam(r, "id"), auth.TenantID(r.Context()))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sub.Redacted())
}

type updateSubscriptionRequest struct {
	URL         *string         `json:"url,omitempty"`
	EventFilter []string        `json:"event_filter,omitempty"`
	BatchSize   *int            `json:"batch_size,omitempty"`
	MaxRetries  *int            `json:"max_retries,omitempty"`
	Backoff     *backoff.Policy `json:"backoff,omitempty"`
}

func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	var req updateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	sub, err := s.subs.Update(r.Context(), chi.URLParam(r, "id"), auth.TenantID(r.Context()), subscription.UpdateParams{
		URL:         req.URL,
		EventFilter: req.EventFilter,
		BatchSize:   req.BatchSize,
		MaxRetries:  req.MaxRetries,
		Backoff:     req.Backoff,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sub.Redacted())
}

func (s *Server) handleDisableSubscription(w http.ResponseWriter, r *http.Request) {
	if err := s.subs.Disable(r.Context(), chi.URLParam(r, "id"), auth.TenantID(r.Context())); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (s *Server) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	sub, err := s.subs.RotateSecret(r.Context(), chi.URLParam(r, "id"), auth.TenantID(r.Context()))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	// Rotation returns the new plaintext secret exactly once.
	respondJSON(w, http.StatusOK, sub)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	subID := r.URL.Query().Get("subscription_id")
	if subID == "" {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "subscription_id query parameter is required"})
		return
	}
	// Ownership check before touching the ledger.
	if _, err := s.subs.GetForTenant(r.Context(), subID, auth.TenantID(r.Context())); err != nil {
		s.respondError(w, r, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	attempts, err := s.ledger.BySubscription(r.Context(), subID, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []ledger.Attempt{}
	}
	respondJSON(w, http.StatusOK, attempts)
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.ledger.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	// The history is tenant data; hide lineages of other tenants' subscriptions.
	if _, err := s.subs.GetForTenant(r.Context(), attempts[0].SubscriptionID, auth.TenantID(r.Context())); err != nil {
		s.respondError(w, r, ledger.ErrNotFound)
		return
	}
	respondJSON(w, http.StatusOK, attempts)
}

type replayRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleReplayDelivery(w http.ResponseWriter, r *http.Request) {
	deliveryID := chi.URLParam(r, "id")

	var req replayRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	prev, err := s.ledger.CurrentState(r.Context(), deliveryID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if _, err := s.subs.GetForTenant(r.Context(), prev.SubscriptionID, auth.TenantID(r.Context())); err != nil {
		s.respondError(w, r, ledger.ErrNotFound)
		return
	}

	newID, err := s.disp.Replay(r.Context(), deliveryID, req.Reason)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"delivery_id": newID})
}

// handleListDLQ lists the tenant's dead-lettered deliveries. The DLQ table is
// global, so entries are filtered by subscription ownership after the fact.
func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.dlq.List(r.Context(), limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	tenantID := auth.TenantID(r.Context())
	out := make([]ledger.DLQEntry, 0, len(entries))
	for _, e := range entries {
		state, err := s.ledger.CurrentState(r.Context(), e.DeliveryID)
		if err != nil {
			continue
		}
		if _, err := s.subs.GetForTenant(r.Context(), state.SubscriptionID, tenantID); err != nil {
			continue
		}
		out = append(out, e)
	}
	respondJSON(w, http.StatusOK, out)
}
