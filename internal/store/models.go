package store

import (
	"time"
)

// Tier limits. A negative limit means unlimited.
const (
	TierFree       = "free"
	TierStarter    = "starter"
	TierGrowth     = "growth"
	TierEnterprise = "enterprise"
)

// TierLimit describes what a subscription tier allows per month.
type TierLimit struct {
	MonthlyEvents int64
	Partners      int
}

// TierLimits maps tier name to its allowance.
var TierLimits = map[string]TierLimit{
	TierFree:       {MonthlyEvents: 10000, Partners: 0},
	TierStarter:    {MonthlyEvents: 100000, Partners: 3},
	TierGrowth:     {MonthlyEvents: 1000000, Partners: 10},
	TierEnterprise: {MonthlyEvents: -1, Partners: -1},
}

// Business is a tenant. Immutable after registration except for the
// usage counters and the partner list.
type Business struct {
	BusinessID        string    `json:"business_id" dynamodbav:"business_id"`
	Name              string    `json:"business_name" dynamodbav:"business_name"`
	APIKey            string    `json:"api_key" dynamodbav:"api_key"`
	AllowedDomains    []string  `json:"allowed_domains" dynamodbav:"allowed_domains"`
	Tier              string    `json:"tier" dynamodbav:"tier"`
	PartnerIDs        []string  `json:"partner_ids,omitempty" dynamodbav:"partner_ids,stringset,omitempty"`
	MonthlyEventLimit int64     `json:"monthly_event_limit" dynamodbav:"monthly_event_limit"`
	MonthlyEventsUsed int64     `json:"monthly_events_used" dynamodbav:"monthly_events_used"`
	UsageMonth        string    `json:"usage_month" dynamodbav:"usage_month"`
	IsActive          bool      `json:"is_active" dynamodbav:"is_active"`
	CreatedAt         time.Time `json:"created_at" dynamodbav:"created_at"`
}

// PartnerLimit returns how many active sharing partners the tier allows.
func (b *Business) PartnerLimit() int {
	if lim, ok := TierLimits[b.Tier]; ok {
		return lim.Partners
	}
	return 0
}

// GlobalUser links one cross-site identity to its per-tenant user ids.
// Membership is append-only.
type GlobalUser struct {
	GlobalUID    string       `json:"global_uid" dynamodbav:"global_uid"`
	BusinessUIDs []Membership `json:"business_uids" dynamodbav:"business_uids"`
	CreatedAt    time.Time    `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at" dynamodbav:"updated_at"`
}

// Membership is one (tenant, local user) pair inside a GlobalUser.
type Membership struct {
	BusinessID string `json:"business_id" dynamodbav:"business_id"`
	UserID     string `json:"user_id" dynamodbav:"user_id"`
}

// Has reports whether the pair is already a member.
func (g *GlobalUser) Has(businessID, userID string) bool {
	for _, m := range g.BusinessUIDs {
		if m.BusinessID == businessID && m.UserID == userID {
			return true
		}
	}
	return false
}

// User is a tenant-scoped visitor with the embedded snapshot of their
// most recent session.
type User struct {
	BusinessID  string    `json:"business_id" dynamodbav:"business_id"`
	UserID      string    `json:"user_id" dynamodbav:"user_id"`
	GlobalUID   string    `json:"global_uid,omitempty" dynamodbav:"global_uid,omitempty"`
	LastSession *Session  `json:"last_session,omitempty" dynamodbav:"last_session,omitempty"`
	LastHTML    string    `json:"last_html,omitempty" dynamodbav:"last_html,omitempty"`
	CreatedAt   time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

// SessionEventCap bounds the embedded per-session event history.
const SessionEventCap = 50

// Session is the rolling state of a user's current session.
type Session struct {
	SessionID          string             `json:"session_id" dynamodbav:"session_id"`
	IdentityState      string             `json:"identity_state,omitempty" dynamodbav:"identity_state,omitempty"`
	IdentityConfidence float64            `json:"identity_confidence,omitempty" dynamodbav:"identity_confidence,omitempty"`
	BehavioralVector   map[string]float64 `json:"behavioral_vector,omitempty" dynamodbav:"behavioral_vector,omitempty"`
	EventHistory       []string           `json:"event_history,omitempty" dynamodbav:"event_history,omitempty"`
	StartedAt          time.Time          `json:"started_at" dynamodbav:"started_at"`
}

// RecordEvent appends an event name to the session history, keeping the
// most recent SessionEventCap entries.
func (s *Session) RecordEvent(name string) {
	s.EventHistory = append(s.EventHistory, name)
	if len(s.EventHistory) > SessionEventCap {
		s.EventHistory = s.EventHistory[len(s.EventHistory)-SessionEventCap:]
	}
}

// Event is one observed behavioral signal. Append-only.
type Event struct {
	BusinessID  string                 `json:"business_id" dynamodbav:"business_id"`
	UserID      string                 `json:"user_id" dynamodbav:"user_id"`
	SessionID   string                 `json:"session_id" dynamodbav:"session_id"`
	GlobalUID   string                 `json:"global_uid,omitempty" dynamodbav:"global_uid,omitempty"`
	EventName   string                 `json:"event_name" dynamodbav:"event_name"`
	ComponentID string                 `json:"component_id,omitempty" dynamodbav:"component_id,omitempty"`
	Properties  map[string]interface{} `json:"properties,omitempty" dynamodbav:"properties,omitempty"`
	Timestamp   time.Time              `json:"timestamp" dynamodbav:"timestamp"`
}

// EventStatus reports the fate of one event inside a batch insert.
type EventStatus struct {
	Index  int    `json:"index"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// VariantKey addresses one variant record.
type VariantKey struct {
	BusinessID  string
	UserID      string
	ComponentID string
}

// SlotVersion is the optimistic-concurrency token for one slot: the
// (score, trials) pair the caller read before mutating.
type SlotVersion struct {
	Score  float64
	Trials int
}

// Variant slot labels. Exactly two slots exist per record.
const (
	SlotA = "A"
	SlotB = "B"
)

// HistoryCap bounds how many retired entries stay inline on the record;
// older entries spill to the archive bucket when one is configured.
const HistoryCap = 20

// VariantRecord holds the two competing variants for one
// (business, user, component).
type VariantRecord struct {
	BusinessID  string    `json:"business_id" dynamodbav:"business_id"`
	UserID      string    `json:"user_id" dynamodbav:"user_id"`
	ComponentID string    `json:"component_id" dynamodbav:"component_id"`
	Variants    Variants  `json:"variants" dynamodbav:"variants"`
	CreatedAt   time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

// Variants is the fixed A/B slot pair.
type Variants struct {
	A *VariantSlot `json:"A" dynamodbav:"A"`
	B *VariantSlot `json:"B" dynamodbav:"B"`
}

// Slot returns the slot for a label, or nil for an unknown label.
func (v *Variants) Slot(label string) *VariantSlot {
	switch label {
	case SlotA:
		return v.A
	case SlotB:
		return v.B
	}
	return nil
}

// Other returns the opposing slot label.
func Other(label string) string {
	if label == SlotA {
		return SlotB
	}
	return SlotA
}

// VariantSlot is one competing markup candidate with its rolling score.
type VariantSlot struct {
	CurrentHTML    string         `json:"current_html" dynamodbav:"current_html"`
	CurrentScore   float64        `json:"current_score" dynamodbav:"current_score"`
	NumberOfTrials int            `json:"number_of_trials" dynamodbav:"number_of_trials"`
	History        []HistoryEntry `json:"history" dynamodbav:"history"`
}

// Version returns the slot's optimistic-concurrency token.
func (s *VariantSlot) Version() SlotVersion {
	return SlotVersion{Score: s.CurrentScore, Trials: s.NumberOfTrials}
}

// HistoryEntry is one retired variant: the markup that was replaced and
// the score it held when it was retired. ArchivedKey is set instead of
// HTML when the entry has been spilled to the archive bucket.
type HistoryEntry struct {
	HTML        string    `json:"html,omitempty" dynamodbav:"html,omitempty"`
	Score       float64   `json:"score" dynamodbav:"score"`
	Timestamp   time.Time `json:"timestamp" dynamodbav:"timestamp"`
	ArchivedKey string    `json:"archived_key,omitempty" dynamodbav:"archived_key,omitempty"`
}

// NewVariantRecord seeds a record with both slots holding the author's
// original markup at score zero.
func NewVariantRecord(key VariantKey, seedHTML string, now time.Time) *VariantRecord {
	return &VariantRecord{
		BusinessID:  key.BusinessID,
		UserID:      key.UserID,
		ComponentID: key.ComponentID,
		Variants: Variants{
			A: &VariantSlot{CurrentHTML: seedHTML, History: []HistoryEntry{}},
			B: &VariantSlot{CurrentHTML: seedHTML, History: []HistoryEntry{}},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Agreement statuses and sharing levels.
const (
	AgreementPending = "pending"
	AgreementActive  = "active"
	AgreementRevoked = "revoked"

	SharingAggregate = "aggregate"
	SharingFull      = "full"
)

// Agreement is a directed data-sharing consent between two tenants.
// Advisory: it gates the cross-site profile read, nothing else.
type Agreement struct {
	AgreementID    string          `json:"agreement_id" dynamodbav:"agreement_id"`
	FromBusinessID string          `json:"from_business_id" dynamodbav:"from_business_id"`
	ToBusinessID   string          `json:"to_business_id" dynamodbav:"to_business_id"`
	SharingLevel   string          `json:"sharing_level" dynamodbav:"sharing_level"`
	Permissions    map[string]bool `json:"permissions,omitempty" dynamodbav:"permissions,omitempty"`
	Status         string          `json:"status" dynamodbav:"status"`
	CreatedAt      time.Time       `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" dynamodbav:"updated_at"`
}

// Involves reports whether the business is either party.
func (a *Agreement) Involves(businessID string) bool {
	return a.FromBusinessID == businessID || a.ToBusinessID == businessID
}
