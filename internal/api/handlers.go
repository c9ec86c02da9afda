// Package api is the HTTP surface: routing, authentication, per-key
// rate limiting and the JSON handlers over the decision workflow.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/morphlab/adapt/internal/config"
	"github.com/morphlab/adapt/internal/identity"
	"github.com/morphlab/adapt/internal/ingest"
	"github.com/morphlab/adapt/internal/pkg/logger"
	"github.com/morphlab/adapt/internal/ratelimit"
	"github.com/morphlab/adapt/internal/store"
	"github.com/morphlab/adapt/internal/variant"
	"github.com/morphlab/adapt/internal/workflow"
)

// Version is reported by the health endpoints.
const Version = "1.2.0"

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store    store.Store
	resolver *identity.Resolver
	flow     *workflow.Orchestrator
	ingestor *ingest.Ingestor
	bandit   *variant.Bandit
	ring     *workflow.AuditRing
	limiter  *ratelimit.Limiter
	cfg      *config.Config
	started  time.Time
}

// NewHandlers creates a Handlers instance.
func NewHandlers(
	st store.Store,
	resolver *identity.Resolver,
	flow *workflow.Orchestrator,
	ingestor *ingest.Ingestor,
	bandit *variant.Bandit,
	ring *workflow.AuditRing,
	cfg *config.Config,
) *Handlers {
	return &Handlers{
		store:    st,
		resolver: resolver,
		flow:     flow,
		ingestor: ingestor,
		bandit:   bandit,
		ring:     ring,
		limiter:  ratelimit.NewLimiter(nil, "apikey", cfg.Server.RateLimitPerSec, cfg.Server.RateLimitBurst),
		cfg:      cfg,
		started:  time.Now(),
	}
}

// SetRateLimiter swaps the per-key request limiter, e.g. for a
// Redis-backed one shared across instances.
func (h *Handlers) SetRateLimiter(l *ratelimit.Limiter) {
	h.limiter = l
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, detail string) {
	respondJSON(w, status, map[string]string{"error": code, "detail": detail})
}

// respondFailure maps sentinel errors onto the error contract. 5xx
// details are logged server-side and never leak to the client.
func respondFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrUnauthorized):
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid api key")
	case errors.Is(err, identity.ErrOriginForbidden):
		respondError(w, http.StatusForbidden, "origin_forbidden", "origin not allowed for this api key")
	case errors.Is(err, store.ErrQuotaExceeded):
		respondError(w, http.StatusForbidden, "quota_exceeded", "monthly event allowance exhausted")
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, store.ErrUnavailable):
		log.Printf("[API] Storage failure: %v", err)
		respondError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage backend unavailable")
	default:
		log.Printf("[API] Internal error: %v", err)
		respondError(w, http.StatusInternalServerError, "internal", "an internal error occurred")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

// Health reports liveness, backend mode and uptime.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"mode":    h.flow.Mode(),
		"version": Version,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	})
}

type optimizeRequest struct {
	UserID       string `json:"user_id"`
	SessionID    string `json:"session_id"`
	ComponentID  string `json:"component_id"`
	ChangingHTML string `json:"changingHtml"`
	ContextHTML  string `json:"contextHtml"`
	GlobalUID    string `json:"global_uid"`
}

type optimizeResponse struct {
	UserID           string               `json:"user_id"`
	SessionID        string               `json:"session_id"`
	Variant          string               `json:"variant"`
	ChangingHTML     string               `json:"changingHtml"`
	IdentityState    string               `json:"identity_state"`
	Confidence       float64              `json:"confidence"`
	AuditLog         []workflow.AuditEntry `json:"audit_log"`
	BehavioralVector map[string]float64   `json:"behavioral_vector"`
	Explored         bool                 `json:"explored"`
	Degraded         bool                 `json:"degraded,omitempty"`
}

// Optimize serves the selected variant for one component view. Served
// by /api/optimize and the legacy /tagAi path.
func (h *Handlers) Optimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ComponentID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "component_id is required")
		return
	}
	if req.ChangingHTML == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "changingHtml is required")
		return
	}

	res := h.flow.Optimize(r.Context(), workflow.Request{
		Business:    businessFrom(r.Context()),
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		GlobalUID:   req.GlobalUID,
		ComponentID: req.ComponentID,
		SeedHTML:    req.ChangingHTML,
		Now:         time.Now().UTC(),
	})

	respondJSON(w, http.StatusOK, optimizeResponse{
		UserID:           res.UserID,
		SessionID:        res.SessionID,
		Variant:          res.Variant,
		ChangingHTML:     res.HTML,
		IdentityState:    res.IdentityState,
		Confidence:       res.Confidence,
		AuditLog:         res.AuditLog,
		BehavioralVector: res.Vector.AsMap(),
		Explored:         res.Explored,
		Degraded:         res.Degraded,
	})
}

type rewardRequest struct {
	UserID            string   `json:"user_id"`
	VariantAttributed string   `json:"variantAttributed"`
	Reward            *float64 `json:"reward"`
	RewardType        string   `json:"reward_type"`
	ComponentIDs      []string `json:"component_ids"`
	ComponentID       string   `json:"component_id"`
	ContextHTML       string   `json:"contextHtml"`
}

type rewardResponse struct {
	Error    string            `json:"error,omitempty"`
	Detail   string            `json:"detail,omitempty"`
	UserID   string            `json:"user_id"`
	Variant  string            `json:"variant"`
	NewScore *float64          `json:"new_score,omitempty"`
	Results  []variant.Outcome `json:"results"`
}

// Reward applies a reward to the attributed slot of one or more
// components. Served by /api/reward, /api/component/reward and the
// legacy /rewardTag path (single component_id form).
func (h *Handlers) Reward(w http.ResponseWriter, r *http.Request) {
	var req rewardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}
	if req.VariantAttributed != store.SlotA && req.VariantAttributed != store.SlotB {
		respondError(w, http.StatusBadRequest, "invalid_request", `variantAttributed must be "A" or "B"`)
		return
	}
	components := req.ComponentIDs
	if len(components) == 0 && req.ComponentID != "" {
		components = []string{req.ComponentID}
	}
	if len(components) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "component_ids is required")
		return
	}

	amount := h.bandit.RewardValue(req.RewardType, req.Reward)
	outcomes, err := h.flow.Reward(r.Context(), businessFrom(r.Context()),
		req.UserID, components, req.VariantAttributed, amount)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		respondFailure(w, err)
		return
	}

	resp := rewardResponse{
		UserID:  req.UserID,
		Variant: req.VariantAttributed,
		Results: outcomes,
	}
	if len(outcomes) == 1 && outcomes[0].Status == variant.OutcomeUpdated {
		resp.NewScore = &outcomes[0].NewScore
	}

	status := http.StatusOK
	conflicts, missing := 0, 0
	for _, out := range outcomes {
		switch out.Status {
		case variant.OutcomeConflict:
			conflicts++
		case variant.OutcomeNotFound:
			missing++
		}
	}
	switch {
	case conflicts > 0:
		// The conflicted outcome carries the authoritative record.
		status = http.StatusConflict
		resp.Error = "conflict"
		resp.Detail = "variant record changed concurrently; current state attached"
	case len(outcomes) > 0 && missing == len(outcomes):
		status = http.StatusNotFound
		resp.Error = "not_found"
		resp.Detail = "no variant record for the given components"
	}
	respondJSON(w, status, resp)
}

type eventPayload struct {
	EventName   string                 `json:"event_name"`
	ComponentID string                 `json:"component_id"`
	Properties  map[string]interface{} `json:"properties"`
	Timestamp   *time.Time             `json:"timestamp"`
}

func (p eventPayload) toEvent(userID, sessionID string, now time.Time) *store.Event {
	ts := now
	if p.Timestamp != nil {
		ts = p.Timestamp.UTC()
	}
	return &store.Event{
		UserID:      userID,
		SessionID:   sessionID,
		EventName:   p.EventName,
		ComponentID: p.ComponentID,
		Properties:  p.Properties,
		Timestamp:   ts,
	}
}

type trackRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	eventPayload
}

// TrackEvent ingests a single behavioral event. Single events surface
// their fate in the status code; batches report per item.
func (h *Handlers) TrackEvent(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	now := time.Now().UTC()
	ev := req.toEvent(req.UserID, req.SessionID, now)

	res, err := h.ingestor.Submit(r.Context(), businessFrom(r.Context()), []*store.Event{ev}, now)
	if err != nil {
		respondFailure(w, err)
		return
	}

	out := res.Results[0]
	switch {
	case out.Status == ingest.StatusRejected:
		respondError(w, http.StatusBadRequest, "invalid_event", out.Reason)
	case out.Status == ingest.StatusDropped && out.Reason == ingest.ReasonRateLimited:
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusTooManyRequests, "rate_limited", "session event rate exceeded")
	case out.Status == ingest.StatusDropped:
		respondError(w, http.StatusServiceUnavailable, "backpressure", "event queue saturated")
	default:
		respondJSON(w, http.StatusAccepted, map[string]string{"status": out.Status})
	}
}

type batchRequest struct {
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	Events    []eventPayload `json:"events"`
}

// BatchEvents ingests a batch of behavioral events for one session.
func (h *Handlers) BatchEvents(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Events) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "events is required")
		return
	}

	now := time.Now().UTC()
	events := make([]*store.Event, 0, len(req.Events))
	for _, p := range req.Events {
		events = append(events, p.toEvent(req.UserID, req.SessionID, now))
	}

	res, err := h.ingestor.Submit(r.Context(), businessFrom(r.Context()), events, now)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, res)
}

type linkRequest struct {
	UserID    string `json:"user_id"`
	GlobalUID string `json:"global_uid"`
}

// LinkIdentity attaches a tenant user to a cross-site identity,
// minting the global uid when none is supplied.
func (h *Handlers) LinkIdentity(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	biz := businessFrom(r.Context())
	gu, err := h.resolver.Link(r.Context(), biz.BusinessID, req.UserID, req.GlobalUID, time.Now().UTC())
	if err != nil {
		respondFailure(w, err)
		return
	}
	logger.Info("identity linked",
		"business_id", biz.BusinessID,
		"user_id", req.UserID,
		"global_uid", gu.GlobalUID)
	respondJSON(w, http.StatusOK, gu)
}
