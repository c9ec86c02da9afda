// Package identity resolves who is calling: tenant authentication by
// API key, per-tenant user and session continuity, and the opt-in
// cross-site identity graph.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/morphlab/adapt/internal/store"
)

var (
	// ErrUnauthorized covers missing, unknown and disabled API keys.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrOriginForbidden means the key is valid but the caller's origin
	// is not on the tenant's allow-list.
	ErrOriginForbidden = errors.New("origin not allowed")
)

// Resolver owns identity lookups for the request path.
type Resolver struct {
	store store.Store
}

// NewResolver builds a resolver on the given store.
func NewResolver(s store.Store) *Resolver {
	return &Resolver{store: s}
}

// Authenticate maps an API key and caller origin to a business. A
// missing origin header passes the origin check (server-to-server
// callers send no Origin).
func (r *Resolver) Authenticate(ctx context.Context, apiKey, origin string) (*store.Business, error) {
	if apiKey == "" {
		return nil, ErrUnauthorized
	}

	b, err := r.store.GetBusinessByAPIKey(ctx, apiKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if !b.IsActive {
		return nil, fmt.Errorf("business %s is disabled: %w", b.BusinessID, ErrUnauthorized)
	}
	if !originAllowed(origin, b.AllowedDomains) {
		return nil, fmt.Errorf("origin %q: %w", origin, ErrOriginForbidden)
	}
	return b, nil
}

// originAllowed matches the caller's host against the tenant
// allow-list. "*" allows everything; "*.example.com" covers the apex
// and all subdomains. An empty list allows everything (dev tenants).
func originAllowed(origin string, domains []string) bool {
	if origin == "" || len(domains) == 0 {
		return true
	}
	host := hostOf(origin)
	if host == "" {
		return true
	}

	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "*" || d == host {
			return true
		}
		if suffix, ok := strings.CutPrefix(d, "*."); ok {
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return true
			}
		}
	}
	return false
}

func hostOf(origin string) string {
	o := strings.ToLower(strings.TrimSpace(origin))
	if o == "" {
		return ""
	}
	if u, err := url.Parse(o); err == nil && u.Host != "" {
		return u.Hostname()
	}
	if h, _, err := net.SplitHostPort(o); err == nil {
		return h
	}
	return o
}

// ResolveUser loads or creates the tenant-scoped user and settles the
// active session. An empty userID mints a new visitor; an empty
// sessionID continues the user's last session (minting one on first
// contact); a changed sessionID rolls last_session.
func (r *Resolver) ResolveUser(ctx context.Context, businessID, userID, sessionID string, now time.Time) (*store.User, error) {
	if userID == "" {
		u := &store.User{
			BusinessID: businessID,
			UserID:     NewUserID(),
			LastSession: &store.Session{
				SessionID: pickSessionID(sessionID),
				StartedAt: now,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := r.store.SaveUser(ctx, u); err != nil {
			return nil, fmt.Errorf("creating user: %w", err)
		}
		return u, nil
	}

	u, err := r.store.GetUser(ctx, businessID, userID)
	if errors.Is(err, store.ErrNotFound) {
		// Client-minted ids (localStorage) are accepted as-is.
		u = &store.User{
			BusinessID: businessID,
			UserID:     userID,
			LastSession: &store.Session{
				SessionID: pickSessionID(sessionID),
				StartedAt: now,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := r.store.SaveUser(ctx, u); err != nil {
			return nil, fmt.Errorf("creating user: %w", err)
		}
		return u, nil
	}
	if err != nil {
		return nil, err
	}

	dirty := false
	switch {
	case u.LastSession == nil:
		u.LastSession = &store.Session{SessionID: pickSessionID(sessionID), StartedAt: now}
		dirty = true
	case sessionID != "" && u.LastSession.SessionID != sessionID:
		u.LastSession = &store.Session{SessionID: sessionID, StartedAt: now}
		dirty = true
	}

	if dirty {
		u.UpdatedAt = now
		if err := r.store.SaveUser(ctx, u); err != nil {
			return nil, fmt.Errorf("rolling session: %w", err)
		}
	}
	return u, nil
}

func pickSessionID(sessionID string) string {
	if sessionID != "" {
		return sessionID
	}
	return NewSessionID()
}

// Link attaches a tenant user to a cross-site identity, minting the
// global uid when the caller has none yet.
func (r *Resolver) Link(ctx context.Context, businessID, userID, globalUID string, now time.Time) (*store.GlobalUser, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id required")
	}
	if globalUID == "" {
		globalUID = NewGlobalUID()
	}

	gu, err := r.store.LinkGlobalUser(ctx, globalUID, businessID, userID)
	if err != nil {
		return nil, fmt.Errorf("linking global user: %w", err)
	}

	u, err := r.store.GetUser(ctx, businessID, userID)
	if errors.Is(err, store.ErrNotFound) {
		u = &store.User{
			BusinessID: businessID,
			UserID:     userID,
			CreatedAt:  now,
		}
	} else if err != nil {
		return nil, err
	}
	if u.GlobalUID != globalUID {
		u.GlobalUID = globalUID
		u.UpdatedAt = now
		if err := r.store.SaveUser(ctx, u); err != nil {
			return nil, fmt.Errorf("stamping global uid: %w", err)
		}
	}
	return gu, nil
}

// ProfileEntry is one tenant's view of a cross-site visitor.
type ProfileEntry struct {
	BusinessID         string    `json:"business_id"`
	UserID             string    `json:"user_id"`
	IdentityState      string    `json:"identity_state,omitempty"`
	IdentityConfidence float64   `json:"identity_confidence,omitempty"`
	LastSeen           time.Time `json:"last_seen"`
}

// Profile is the assembled cross-site view. Full-level partners and
// the caller appear in Profiles with identity detail; aggregate-level
// partners only raise the site count.
type Profile struct {
	GlobalUID      string         `json:"global_uid"`
	Profiles       []ProfileEntry `json:"profiles"`
	AggregateSites int            `json:"aggregate_sites"`
}

// CrossSiteProfile assembles the visitor's per-tenant profiles. What
// each membership exposes depends on the caller's active agreement
// with that tenant: full sharing yields identity detail, aggregate
// sharing only a count, no agreement nothing at all.
func (r *Resolver) CrossSiteProfile(ctx context.Context, businessID, userID string) (*Profile, error) {
	u, err := r.store.GetUser(ctx, businessID, userID)
	if err != nil {
		return nil, err
	}
	if u.GlobalUID == "" {
		return nil, fmt.Errorf("user %s has no linked identity: %w", userID, store.ErrNotFound)
	}

	gu, err := r.store.GetGlobalUser(ctx, u.GlobalUID)
	if err != nil {
		return nil, err
	}

	// A full agreement wins when a pair somehow holds both levels.
	levels := map[string]string{}
	agreements, err := r.store.ListAgreements(ctx, businessID)
	if err != nil {
		return nil, err
	}
	for _, a := range agreements {
		if a.Status != store.AgreementActive {
			continue
		}
		for _, id := range []string{a.FromBusinessID, a.ToBusinessID} {
			if levels[id] != store.SharingFull {
				levels[id] = a.SharingLevel
			}
		}
	}

	profile := &Profile{GlobalUID: gu.GlobalUID}
	for _, m := range gu.BusinessUIDs {
		level := store.SharingFull
		if m.BusinessID != businessID {
			level = levels[m.BusinessID]
		}
		switch level {
		case store.SharingAggregate:
			profile.AggregateSites++
			continue
		case store.SharingFull:
		default:
			continue
		}

		mu, err := r.store.GetUser(ctx, m.BusinessID, m.UserID)
		if err != nil {
			log.Printf("[Identity] Skipping profile %s/%s: %v", m.BusinessID, m.UserID, err)
			continue
		}
		entry := ProfileEntry{
			BusinessID: mu.BusinessID,
			UserID:     mu.UserID,
			LastSeen:   mu.UpdatedAt,
		}
		if mu.LastSession != nil {
			entry.IdentityState = mu.LastSession.IdentityState
			entry.IdentityConfidence = mu.LastSession.IdentityConfidence
		}
		profile.Profiles = append(profile.Profiles, entry)
	}
	return profile, nil
}
