package identity

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morphlab/adapt/internal/store"
)

func seedBusiness(t *testing.T, s store.Store, domains []string, active bool) *store.Business {
	t.Helper()
	b := &store.Business{
		BusinessID:        NewBusinessID(),
		Name:              "Acme Outdoors",
		APIKey:            NewAPIKey(),
		AllowedDomains:    domains,
		Tier:              store.TierStarter,
		MonthlyEventLimit: 100000,
		UsageMonth:        "2026-08",
		IsActive:          active,
		CreatedAt:         time.Now().UTC(),
	}
	require.NoError(t, s.PutBusiness(context.Background(), b))
	return b
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := NewResolver(s)
	b := seedBusiness(t, s, []string{"shop.example.com"}, true)

	got, err := r.Authenticate(ctx, b.APIKey, "https://shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, b.BusinessID, got.BusinessID)

	_, err = r.Authenticate(ctx, "", "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = r.Authenticate(ctx, "pk_live_unknown", "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = r.Authenticate(ctx, b.APIKey, "https://evil.example.net")
	assert.ErrorIs(t, err, ErrOriginForbidden)
}

func TestAuthenticateInactiveBusiness(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := NewResolver(s)
	b := seedBusiness(t, s, nil, false)

	_, err := r.Authenticate(ctx, b.APIKey, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		domains []string
		want    bool
	}{
		{"empty origin passes", "", []string{"shop.example.com"}, true},
		{"empty list passes", "https://anywhere.net", nil, true},
		{"exact host", "https://shop.example.com", []string{"shop.example.com"}, true},
		{"host with port", "https://shop.example.com:8443", []string{"shop.example.com"}, true},
		{"referer path", "https://shop.example.com/cart?x=1", []string{"shop.example.com"}, true},
		{"wildcard all", "https://anywhere.net", []string{"*"}, true},
		{"wildcard subdomain", "https://eu.shop.example.com", []string{"*.example.com"}, true},
		{"wildcard apex", "https://example.com", []string{"*.example.com"}, true},
		{"mismatch", "https://other.net", []string{"shop.example.com"}, false},
		{"suffix is not subdomain", "https://evilexample.com", []string{"*.example.com"}, false},
		{"bare host", "shop.example.com", []string{"shop.example.com"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, originAllowed(tt.origin, tt.domains))
		})
	}
}

func TestResolveUserMintsVisitor(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := NewResolver(s)
	b := seedBusiness(t, s, nil, true)
	now := time.Now().UTC()

	u, err := r.ResolveUser(ctx, b.BusinessID, "", "", now)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u.UserID, "usr_"))
	require.NotNil(t, u.LastSession)
	assert.True(t, strings.HasPrefix(u.LastSession.SessionID, "session_"))

	// The minted user is persisted.
	got, err := s.GetUser(ctx, b.BusinessID, u.UserID)
	require.NoError(t, err)
	assert.Equal(t, u.LastSession.SessionID, got.LastSession.SessionID)
}

func TestResolveUserAcceptsClientMintedID(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := NewResolver(s)
	b := seedBusiness(t, s, nil, true)

	u, err := r.ResolveUser(ctx, b.BusinessID, "usr_from_local_storage", "session_abc123", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, "usr_from_local_storage", u.UserID)
	assert.Equal(t, "session_abc123", u.LastSession.SessionID)
}

func TestResolveUserSessionContinuityAndRollover(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := NewResolver(s)
	b := seedBusiness(t, s, nil, true)
	now := time.Now().UTC()

	u, err := r.ResolveUser(ctx, b.BusinessID, "usr_1", "session_first", now)
	require.NoError(t, err)

	// Same session id continues; no rollover.
	u2, err := r.ResolveUser(ctx, b.BusinessID, "usr_1", "session_first", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, u.LastSession.StartedAt, u2.LastSession.StartedAt)

	// Empty session id continues the last session.
	u3, err := r.ResolveUser(ctx, b.BusinessID, "usr_1", "", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "session_first", u3.LastSession.SessionID)

	// A new session id rolls last_session.
	u4, err := r.ResolveUser(ctx, b.BusinessID, "usr_1", "session_second", now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "session_second", u4.LastSession.SessionID)
	assert.True(t, u4.LastSession.StartedAt.After(u.LastSession.StartedAt))
}

func TestLinkMintsAndStampsGlobalUID(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := NewResolver(s)
	b := seedBusiness(t, s, nil, true)
	now := time.Now().UTC()

	_, err := r.ResolveUser(ctx, b.BusinessID, "usr_1", "session_1", now)
	require.NoError(t, err)

	gu, err := r.Link(ctx, b.BusinessID, "usr_1", "", now)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(gu.GlobalUID, "guid_"))
	assert.True(t, gu.Has(b.BusinessID, "usr_1"))

	u, err := s.GetUser(ctx, b.BusinessID, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, gu.GlobalUID, u.GlobalUID)

	// Linking the same pair again is idempotent.
	gu2, err := r.Link(ctx, b.BusinessID, "usr_1", gu.GlobalUID, now)
	require.NoError(t, err)
	assert.Len(t, gu2.BusinessUIDs, 1)
}

func TestLinkRequiresUserID(t *testing.T) {
	r := NewResolver(store.NewMemoryStore())
	_, err := r.Link(context.Background(), "biz_1", "", "", time.Now())
	assert.Error(t, err)
}

func TestCrossSiteProfileHonorsAgreements(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := NewResolver(s)
	now := time.Now().UTC()

	// Four tenants share one visitor: b2 shares fully with b1, b3 only
	// at the aggregate level, b4 not at all.
	b1 := seedBusiness(t, s, nil, true)
	b2 := seedBusiness(t, s, nil, true)
	b3 := seedBusiness(t, s, nil, true)
	b4 := seedBusiness(t, s, nil, true)

	for _, b := range []*store.Business{b1, b2, b3, b4} {
		_, err := r.ResolveUser(ctx, b.BusinessID, "usr_shared", "session_1", now)
		require.NoError(t, err)
	}

	gu, err := r.Link(ctx, b1.BusinessID, "usr_shared", "", now)
	require.NoError(t, err)
	for _, b := range []*store.Business{b2, b3, b4} {
		_, err = r.Link(ctx, b.BusinessID, "usr_shared", gu.GlobalUID, now)
		require.NoError(t, err)
	}

	u2, err := s.GetUser(ctx, b2.BusinessID, "usr_shared")
	require.NoError(t, err)
	u2.LastSession.IdentityState = "confident"
	u2.LastSession.IdentityConfidence = 0.9
	require.NoError(t, s.SaveUser(ctx, u2))

	require.NoError(t, s.PutAgreement(ctx, &store.Agreement{
		AgreementID:    NewAgreementID(),
		FromBusinessID: b1.BusinessID,
		ToBusinessID:   b2.BusinessID,
		SharingLevel:   store.SharingFull,
		Status:         store.AgreementActive,
		CreatedAt:      now,
	}))
	require.NoError(t, s.PutAgreement(ctx, &store.Agreement{
		AgreementID:    NewAgreementID(),
		FromBusinessID: b3.BusinessID,
		ToBusinessID:   b1.BusinessID,
		SharingLevel:   store.SharingAggregate,
		Status:         store.AgreementActive,
		CreatedAt:      now,
	}))

	profile, err := r.CrossSiteProfile(ctx, b1.BusinessID, "usr_shared")
	require.NoError(t, err)
	assert.Equal(t, gu.GlobalUID, profile.GlobalUID)
	require.Len(t, profile.Profiles, 2, "own profile plus the full-sharing partner")
	assert.Equal(t, 1, profile.AggregateSites, "aggregate partner is only counted")

	byBiz := map[string]ProfileEntry{}
	for _, p := range profile.Profiles {
		byBiz[p.BusinessID] = p
	}
	assert.Contains(t, byBiz, b1.BusinessID)
	require.Contains(t, byBiz, b2.BusinessID)
	assert.Equal(t, "confident", byBiz[b2.BusinessID].IdentityState)
	assert.NotContains(t, byBiz, b3.BusinessID, "aggregate partner carries no detail")
	assert.NotContains(t, byBiz, b4.BusinessID, "no agreement with b4")
}

func TestCrossSiteProfileWithoutLink(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := NewResolver(s)
	b := seedBusiness(t, s, nil, true)

	_, err := r.ResolveUser(ctx, b.BusinessID, "usr_plain", "session_1", time.Now().UTC())
	require.NoError(t, err)

	_, err = r.CrossSiteProfile(ctx, b.BusinessID, "usr_plain")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIDFormats(t *testing.T) {
	assert.Regexp(t, `^usr_[0-9a-f-]{36}$`, NewUserID())
	assert.Regexp(t, `^session_[0-9a-f]{12}$`, NewSessionID())
	assert.Regexp(t, `^guid_[0-9a-f]{16}$`, NewGlobalUID())
	assert.Regexp(t, `^biz_[0-9a-f]{8}$`, NewBusinessID())
	assert.Regexp(t, `^agr_[0-9a-f]{8}$`, NewAgreementID())
	assert.Regexp(t, `^pk_live_[A-Za-z0-9_-]{43}$`, NewAPIKey())
}
