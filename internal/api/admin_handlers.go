package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/morphlab/adapt/internal/store"
)

// journeyEventLimit bounds how much history the journey endpoint loads.
const journeyEventLimit = 200

// journeyWindow is how far back the journey endpoint looks.
const journeyWindow = 30 * 24 * time.Hour

// ListUsers returns the tenant's visitor roster.
func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	biz := businessFrom(r.Context())
	users, err := h.store.ListUsers(r.Context(), biz.BusinessID)
	if err != nil {
		respondFailure(w, err)
		return
	}
	if users == nil {
		users = []*store.User{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"users": users,
		"total": len(users),
	})
}

// GetUserJourney returns one visitor's recent events and variant records.
func (h *Handlers) GetUserJourney(w http.ResponseWriter, r *http.Request) {
	biz := businessFrom(r.Context())
	userID := chi.URLParam(r, "userID")

	user, err := h.store.GetUser(r.Context(), biz.BusinessID, userID)
	if err != nil {
		respondFailure(w, err)
		return
	}
	events, err := h.store.GetRecentEvents(r.Context(), biz.BusinessID, userID, journeyEventLimit, journeyWindow)
	if err != nil {
		respondFailure(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}

	all, err := h.store.ListVariants(r.Context(), biz.BusinessID)
	if err != nil {
		respondFailure(w, err)
		return
	}
	variants := []*store.VariantRecord{}
	for _, rec := range all {
		if rec.UserID == userID {
			variants = append(variants, rec)
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user":     user,
		"events":   events,
		"variants": variants,
	})
}

// CrossSiteProfile returns the advisory cross-tenant view of a linked
// visitor; what each sibling site exposes depends on the caller's
// agreement with it.
func (h *Handlers) CrossSiteProfile(w http.ResponseWriter, r *http.Request) {
	biz := businessFrom(r.Context())
	profile, err := h.resolver.CrossSiteProfile(r.Context(), biz.BusinessID, chi.URLParam(r, "userID"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

// GetDashboard aggregates tenant-wide counts and scores for the
// analytics view.
func (h *Handlers) GetDashboard(w http.ResponseWriter, r *http.Request) {
	biz := businessFrom(r.Context())
	ctx := r.Context()

	users, err := h.store.ListUsers(ctx, biz.BusinessID)
	if err != nil {
		respondFailure(w, err)
		return
	}
	records, err := h.store.ListVariants(ctx, biz.BusinessID)
	if err != nil {
		respondFailure(w, err)
		return
	}

	states := make(map[string]int)
	for _, u := range users {
		if u.LastSession != nil && u.LastSession.IdentityState != "" {
			states[u.LastSession.IdentityState]++
		}
	}

	var trials, regenerations int
	var scoreSum float64
	var scored int
	for _, rec := range records {
		for _, slot := range []*store.VariantSlot{rec.Variants.A, rec.Variants.B} {
			trials += slot.NumberOfTrials
			regenerations += len(slot.History)
			if slot.NumberOfTrials > 0 {
				scoreSum += slot.CurrentScore
				scored++
			}
		}
	}
	avgScore := 0.0
	if scored > 0 {
		avgScore = scoreSum / float64(scored)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"business_id":         biz.BusinessID,
		"mode":                h.flow.Mode(),
		"total_users":         len(users),
		"total_variants":      len(records),
		"total_trials":        trials,
		"total_regenerations": regenerations,
		"average_score":       avgScore,
		"identity_states":     states,
		"pipeline":            h.ingestor.Stats(),
	})
}

// GetRecentLogs returns the newest audit trail entries, most recent
// first. The optional limit query parameter caps the count.
func (h *Handlers) GetRecentLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	logs := h.ring.Recent(limit)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"total": len(logs),
	})
}

// ListVariants returns every variant record for the tenant.
func (h *Handlers) ListVariants(w http.ResponseWriter, r *http.Request) {
	biz := businessFrom(r.Context())
	records, err := h.store.ListVariants(r.Context(), biz.BusinessID)
	if err != nil {
		respondFailure(w, err)
		return
	}
	if records == nil {
		records = []*store.VariantRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"variants": records,
		"total":    len(records),
	})
}

// GetVariantRecord returns one (user, component) record with its full
// slot history.
func (h *Handlers) GetVariantRecord(w http.ResponseWriter, r *http.Request) {
	biz := businessFrom(r.Context())
	key := store.VariantKey{
		BusinessID:  biz.BusinessID,
		UserID:      chi.URLParam(r, "userID"),
		ComponentID: chi.URLParam(r, "componentID"),
	}
	rec, err := h.store.GetVariant(r.Context(), key)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}
