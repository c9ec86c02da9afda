package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-process backend used for development and tests.
// It implements the same CAS and quota semantics as the DynamoDB backend
// behind a single mutex.
type MemoryStore struct {
	mu         sync.RWMutex
	businesses map[string]*Business
	apiKeys    map[string]string // api_key -> business_id
	globals    map[string]*GlobalUser
	users      map[string]*User          // business/user
	events     map[string][]*Event       // business/user
	variants   map[string]*VariantRecord // business/user/component
	agreements map[string]map[string]*Agreement
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		businesses: make(map[string]*Business),
		apiKeys:    make(map[string]string),
		globals:    make(map[string]*GlobalUser),
		users:      make(map[string]*User),
		events:     make(map[string][]*Event),
		variants:   make(map[string]*VariantRecord),
		agreements: make(map[string]map[string]*Agreement),
	}
}

func userKey(businessID, userID string) string {
	return businessID + "/" + userID
}

func variantMemKey(key VariantKey) string {
	return key.BusinessID + "/" + key.UserID + "/" + key.ComponentID
}

// PutBusiness stores or replaces a business.
func (m *MemoryStore) PutBusiness(ctx context.Context, b *Business) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.businesses[b.BusinessID]; ok && old.APIKey != b.APIKey {
		delete(m.apiKeys, old.APIKey)
	}
	m.businesses[b.BusinessID] = copyBusiness(b)
	m.apiKeys[b.APIKey] = b.BusinessID
	return nil
}

// GetBusiness returns a business by id.
func (m *MemoryStore) GetBusiness(ctx context.Context, businessID string) (*Business, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.businesses[businessID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBusiness(b), nil
}

// GetBusinessByAPIKey resolves a tenant from its api key.
func (m *MemoryStore) GetBusinessByAPIKey(ctx context.Context, apiKey string) (*Business, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.apiKeys[apiKey]
	if !ok {
		return nil, ErrNotFound
	}
	b, ok := m.businesses[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBusiness(b), nil
}

// ConsumeQuota charges n events against the monthly allowance.
func (m *MemoryStore) ConsumeQuota(ctx context.Context, businessID string, n int64, month string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.businesses[businessID]
	if !ok {
		return 0, ErrNotFound
	}
	if b.UsageMonth != month {
		b.UsageMonth = month
		b.MonthlyEventsUsed = 0
	}
	if b.MonthlyEventLimit >= 0 && b.MonthlyEventsUsed+n > b.MonthlyEventLimit {
		return b.MonthlyEventsUsed, ErrQuotaExceeded
	}
	b.MonthlyEventsUsed += n
	return b.MonthlyEventsUsed, nil
}

// AddPartner adds a partner id to the business (set semantics).
func (m *MemoryStore) AddPartner(ctx context.Context, businessID, partnerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.businesses[businessID]
	if !ok {
		return ErrNotFound
	}
	for _, p := range b.PartnerIDs {
		if p == partnerID {
			return nil
		}
	}
	b.PartnerIDs = append(b.PartnerIDs, partnerID)
	return nil
}

// RemovePartner removes a partner id from the business.
func (m *MemoryStore) RemovePartner(ctx context.Context, businessID, partnerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.businesses[businessID]
	if !ok {
		return ErrNotFound
	}
	out := b.PartnerIDs[:0]
	for _, p := range b.PartnerIDs {
		if p != partnerID {
			out = append(out, p)
		}
	}
	b.PartnerIDs = out
	return nil
}

// GetGlobalUser returns a cross-site identity.
func (m *MemoryStore) GetGlobalUser(ctx context.Context, globalUID string) (*GlobalUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.globals[globalUID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyGlobalUser(g), nil
}

// LinkGlobalUser appends a membership, creating the identity if absent.
func (m *MemoryStore) LinkGlobalUser(ctx context.Context, globalUID, businessID, userID string) (*GlobalUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	g, ok := m.globals[globalUID]
	if !ok {
		g = &GlobalUser{GlobalUID: globalUID, CreatedAt: now}
		m.globals[globalUID] = g
	}
	if !g.Has(businessID, userID) {
		g.BusinessUIDs = append(g.BusinessUIDs, Membership{BusinessID: businessID, UserID: userID})
	}
	g.UpdatedAt = now
	return copyGlobalUser(g), nil
}

// GetUser returns a tenant-scoped user.
func (m *MemoryStore) GetUser(ctx context.Context, businessID, userID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userKey(businessID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

// SaveUser stores or replaces a user.
func (m *MemoryStore) SaveUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := copyUser(u)
	cp.UpdatedAt = time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	m.users[userKey(u.BusinessID, u.UserID)] = cp
	return nil
}

// ListUsers returns every user for a tenant.
func (m *MemoryStore) ListUsers(ctx context.Context, businessID string) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*User
	prefix := businessID + "/"
	for k, u := range m.users {
		if strings.HasPrefix(k, prefix) {
			out = append(out, copyUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// InsertEvents appends events in order. Every index succeeds in memory.
func (m *MemoryStore) InsertEvents(ctx context.Context, events []*Event) ([]EventStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	statuses := make([]EventStatus, len(events))
	for i, ev := range events {
		key := userKey(ev.BusinessID, ev.UserID)
		m.events[key] = append(m.events[key], copyEvent(ev))
		statuses[i] = EventStatus{Index: i, OK: true}
	}
	return statuses, nil
}

// GetRecentEvents returns up to limit events inside the window,
// newest-first. Ties on timestamp preserve insertion order.
func (m *MemoryStore) GetRecentEvents(ctx context.Context, businessID, userID string, limit int, window time.Duration) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.events[userKey(businessID, userID)]
	cutoff := time.Now().UTC().Add(-window)
	var out []*Event
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if all[i].Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, copyEvent(all[i]))
	}
	// Stored order is insertion order; re-sort descending by timestamp
	// with index ties keeping the later insertion first.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// GetOrInitVariant returns the record, seeding both slots on first touch.
func (m *MemoryStore) GetOrInitVariant(ctx context.Context, key VariantKey, seedHTML string) (*VariantRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := variantMemKey(key)
	rec, ok := m.variants[k]
	if !ok {
		rec = NewVariantRecord(key, seedHTML, time.Now().UTC())
		m.variants[k] = rec
	}
	return copyVariantRecord(rec), nil
}

// GetVariant returns an existing record.
func (m *MemoryStore) GetVariant(ctx context.Context, key VariantKey) (*VariantRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.variants[variantMemKey(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyVariantRecord(rec), nil
}

// UpdateVariantScore applies the slot CAS.
func (m *MemoryStore) UpdateVariantScore(ctx context.Context, key VariantKey, slot string, prior SlotVersion, newScore float64, newTrials int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.variants[variantMemKey(key)]
	if !ok {
		return ErrNotFound
	}
	s := rec.Variants.Slot(slot)
	if s == nil {
		return fmt.Errorf("unknown slot %q", slot)
	}
	if s.CurrentScore != prior.Score || s.NumberOfTrials != prior.Trials {
		return ErrConflict
	}
	s.CurrentScore = newScore
	s.NumberOfTrials = newTrials
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// ReplaceVariantHTML archives the slot's markup and installs the new one.
func (m *MemoryStore) ReplaceVariantHTML(ctx context.Context, key VariantKey, slot string, newHTML string, archive HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.variants[variantMemKey(key)]
	if !ok {
		return ErrNotFound
	}
	s := rec.Variants.Slot(slot)
	if s == nil {
		return fmt.Errorf("unknown slot %q", slot)
	}
	s.History = append(s.History, archive)
	s.CurrentHTML = newHTML
	s.CurrentScore = 0
	s.NumberOfTrials = 0
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// ListVariants returns every variant record for a tenant.
func (m *MemoryStore) ListVariants(ctx context.Context, businessID string) ([]*VariantRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*VariantRecord
	prefix := businessID + "/"
	for k, rec := range m.variants {
		if strings.HasPrefix(k, prefix) {
			out = append(out, copyVariantRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ComponentID < out[j].ComponentID
	})
	return out, nil
}

// PutAgreement writes the agreement under both parties.
func (m *MemoryStore) PutAgreement(ctx context.Context, a *Agreement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, biz := range []string{a.FromBusinessID, a.ToBusinessID} {
		if m.agreements[biz] == nil {
			m.agreements[biz] = make(map[string]*Agreement)
		}
		m.agreements[biz][a.AgreementID] = copyAgreement(a)
	}
	return nil
}

// GetAgreement returns an agreement visible to the business.
func (m *MemoryStore) GetAgreement(ctx context.Context, businessID, agreementID string) (*Agreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agreements[businessID][agreementID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAgreement(a), nil
}

// ListAgreements returns agreements where the business is either party.
func (m *MemoryStore) ListAgreements(ctx context.Context, businessID string) ([]*Agreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Agreement
	for _, a := range m.agreements[businessID] {
		out = append(out, copyAgreement(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgreementID < out[j].AgreementID })
	return out, nil
}

// Copy helpers keep callers on borrowed views: nothing handed out
// aliases the store's own state.

func copyBusiness(b *Business) *Business {
	cp := *b
	cp.AllowedDomains = append([]string(nil), b.AllowedDomains...)
	cp.PartnerIDs = append([]string(nil), b.PartnerIDs...)
	return &cp
}

func copyGlobalUser(g *GlobalUser) *GlobalUser {
	cp := *g
	cp.BusinessUIDs = append([]Membership(nil), g.BusinessUIDs...)
	return &cp
}

func copyUser(u *User) *User {
	cp := *u
	if u.LastSession != nil {
		sess := *u.LastSession
		sess.EventHistory = append([]string(nil), u.LastSession.EventHistory...)
		if u.LastSession.BehavioralVector != nil {
			sess.BehavioralVector = make(map[string]float64, len(u.LastSession.BehavioralVector))
			for k, v := range u.LastSession.BehavioralVector {
				sess.BehavioralVector[k] = v
			}
		}
		cp.LastSession = &sess
	}
	return &cp
}

func copyEvent(ev *Event) *Event {
	cp := *ev
	if ev.Properties != nil {
		cp.Properties = make(map[string]interface{}, len(ev.Properties))
		for k, v := range ev.Properties {
			cp.Properties[k] = v
		}
	}
	return &cp
}

func copySlot(s *VariantSlot) *VariantSlot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.History = append([]HistoryEntry(nil), s.History...)
	return &cp
}

func copyVariantRecord(rec *VariantRecord) *VariantRecord {
	cp := *rec
	cp.Variants = Variants{A: copySlot(rec.Variants.A), B: copySlot(rec.Variants.B)}
	return &cp
}

func copyAgreement(a *Agreement) *Agreement {
	cp := *a
	if a.Permissions != nil {
		cp.Permissions = make(map[string]bool, len(a.Permissions))
		for k, v := range a.Permissions {
			cp.Permissions[k] = v
		}
	}
	return &cp
}
