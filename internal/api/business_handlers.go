package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/morphlab/adapt/internal/identity"
	"github.com/morphlab/adapt/internal/pkg/logger"
	"github.com/morphlab/adapt/internal/store"
)

type registerRequest struct {
	BusinessName string `json:"business_name"`
	Domain       string `json:"domain"`
	Tier         string `json:"tier"`
}

type registerResponse struct {
	BusinessID        string `json:"business_id"`
	APIKey            string `json:"api_key"`
	Tier              string `json:"tier"`
	MonthlyEventLimit int64  `json:"monthly_event_limit"`
}

// RegisterBusiness self-serve creates a tenant and returns its API key.
// The key is shown once; only its lookup row is kept server-side.
func (h *Handlers) RegisterBusiness(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.BusinessName == "" || req.Domain == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "business_name and domain are required")
		return
	}
	tier := req.Tier
	if tier == "" {
		tier = store.TierFree
	}
	limits, ok := store.TierLimits[tier]
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown tier %q", tier))
		return
	}

	now := time.Now().UTC()
	biz := &store.Business{
		BusinessID:        identity.NewBusinessID(),
		Name:              req.BusinessName,
		APIKey:            identity.NewAPIKey(),
		AllowedDomains:    []string{req.Domain},
		Tier:              tier,
		MonthlyEventLimit: limits.MonthlyEvents,
		UsageMonth:        store.MonthKey(now),
		IsActive:          true,
		CreatedAt:         now,
	}
	if err := h.store.PutBusiness(r.Context(), biz); err != nil {
		respondFailure(w, err)
		return
	}

	logger.Info("business registered",
		"business_id", biz.BusinessID,
		"name", biz.Name,
		"tier", biz.Tier,
		"api_key", biz.APIKey)
	respondJSON(w, http.StatusCreated, registerResponse{
		BusinessID:        biz.BusinessID,
		APIKey:            biz.APIKey,
		Tier:              biz.Tier,
		MonthlyEventLimit: biz.MonthlyEventLimit,
	})
}

type usageResponse struct {
	BusinessID        string   `json:"business_id"`
	Tier              string   `json:"tier"`
	MonthlyEventLimit int64    `json:"monthly_event_limit"`
	MonthlyEventsUsed int64    `json:"monthly_events_used"`
	UsageMonth        string   `json:"usage_month"`
	PartnerIDs        []string `json:"partner_ids"`
}

// GetUsage reports the tenant's quota counters for the current month.
func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	biz, err := h.store.GetBusiness(r.Context(), businessFrom(r.Context()).BusinessID)
	if err != nil {
		respondFailure(w, err)
		return
	}

	used := biz.MonthlyEventsUsed
	month := store.MonthKey(time.Now().UTC())
	if biz.UsageMonth != month {
		// Counter rolls lazily on the next charge; report the new month.
		used = 0
	}
	partners := biz.PartnerIDs
	if partners == nil {
		partners = []string{}
	}
	respondJSON(w, http.StatusOK, usageResponse{
		BusinessID:        biz.BusinessID,
		Tier:              biz.Tier,
		MonthlyEventLimit: biz.MonthlyEventLimit,
		MonthlyEventsUsed: used,
		UsageMonth:        month,
		PartnerIDs:        partners,
	})
}

type proposeAgreementRequest struct {
	ToBusinessID string          `json:"to_business_id"`
	SharingLevel string          `json:"sharing_level"`
	Permissions  map[string]bool `json:"permissions"`
}

// ProposeAgreement creates a pending data-sharing agreement directed at
// another tenant. Sharing stays advisory until the counterparty accepts.
func (h *Handlers) ProposeAgreement(w http.ResponseWriter, r *http.Request) {
	var req proposeAgreementRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	biz := businessFrom(r.Context())
	if req.ToBusinessID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "to_business_id is required")
		return
	}
	if req.ToBusinessID == biz.BusinessID {
		respondError(w, http.StatusBadRequest, "invalid_request", "cannot share data with yourself")
		return
	}
	if req.SharingLevel != store.SharingAggregate && req.SharingLevel != store.SharingFull {
		respondError(w, http.StatusBadRequest, "invalid_request", `sharing_level must be "aggregate" or "full"`)
		return
	}
	if _, err := h.store.GetBusiness(r.Context(), req.ToBusinessID); err != nil {
		respondFailure(w, err)
		return
	}

	now := time.Now().UTC()
	agr := &store.Agreement{
		AgreementID:    identity.NewAgreementID(),
		FromBusinessID: biz.BusinessID,
		ToBusinessID:   req.ToBusinessID,
		SharingLevel:   req.SharingLevel,
		Permissions:    req.Permissions,
		Status:         store.AgreementPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := h.store.PutAgreement(r.Context(), agr); err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, agr)
}

// AcceptAgreement activates a pending agreement. Only the counterparty
// may accept; acceptance makes both tenants partners, bounded by each
// side's tier partner allowance.
func (h *Handlers) AcceptAgreement(w http.ResponseWriter, r *http.Request) {
	biz := businessFrom(r.Context())
	agr, err := h.store.GetAgreement(r.Context(), biz.BusinessID, chi.URLParam(r, "agreementID"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	if agr.ToBusinessID != biz.BusinessID {
		respondError(w, http.StatusForbidden, "forbidden", "only the receiving business can accept")
		return
	}
	if agr.Status != store.AgreementPending {
		respondError(w, http.StatusConflict, "conflict", fmt.Sprintf("agreement is %s", agr.Status))
		return
	}

	from, err := h.store.GetBusiness(r.Context(), agr.FromBusinessID)
	if err != nil {
		respondFailure(w, err)
		return
	}
	to, err := h.store.GetBusiness(r.Context(), agr.ToBusinessID)
	if err != nil {
		respondFailure(w, err)
		return
	}
	for _, b := range []*store.Business{from, to} {
		if lim := b.PartnerLimit(); lim >= 0 && len(b.PartnerIDs) >= lim {
			respondError(w, http.StatusForbidden, "partner_limit_reached",
				fmt.Sprintf("business %s (%s tier) allows %d partners", b.BusinessID, b.Tier, lim))
			return
		}
	}

	if err := h.store.AddPartner(r.Context(), agr.FromBusinessID, agr.ToBusinessID); err != nil {
		respondFailure(w, err)
		return
	}
	if err := h.store.AddPartner(r.Context(), agr.ToBusinessID, agr.FromBusinessID); err != nil {
		respondFailure(w, err)
		return
	}

	agr.Status = store.AgreementActive
	agr.UpdatedAt = time.Now().UTC()
	if err := h.store.PutAgreement(r.Context(), agr); err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agr)
}

// RevokeAgreement revokes an agreement from either side and unwinds the
// partner links.
func (h *Handlers) RevokeAgreement(w http.ResponseWriter, r *http.Request) {
	biz := businessFrom(r.Context())
	agr, err := h.store.GetAgreement(r.Context(), biz.BusinessID, chi.URLParam(r, "agreementID"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	if !agr.Involves(biz.BusinessID) {
		respondError(w, http.StatusForbidden, "forbidden", "not a party to this agreement")
		return
	}
	if agr.Status == store.AgreementRevoked {
		respondJSON(w, http.StatusOK, agr)
		return
	}

	if agr.Status == store.AgreementActive {
		if err := h.store.RemovePartner(r.Context(), agr.FromBusinessID, agr.ToBusinessID); err != nil {
			respondFailure(w, err)
			return
		}
		if err := h.store.RemovePartner(r.Context(), agr.ToBusinessID, agr.FromBusinessID); err != nil {
			respondFailure(w, err)
			return
		}
	}

	agr.Status = store.AgreementRevoked
	agr.UpdatedAt = time.Now().UTC()
	if err := h.store.PutAgreement(r.Context(), agr); err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agr)
}

// ListAgreements returns every agreement the tenant is a party to.
func (h *Handlers) ListAgreements(w http.ResponseWriter, r *http.Request) {
	biz := businessFrom(r.Context())
	agreements, err := h.store.ListAgreements(r.Context(), biz.BusinessID)
	if err != nil {
		respondFailure(w, err)
		return
	}
	if agreements == nil {
		agreements = []*store.Agreement{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"agreements": agreements,
		"total":      len(agreements),
	})
}
