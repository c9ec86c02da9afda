package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/morphlab/adapt/internal/config"
)

// Sentinel errors surfaced to callers. Everything else coming out of a
// backend is wrapped transport detail.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrUnavailable   = errors.New("storage unavailable")
)

// Store is the document contract every backend implements. It owns all
// persisted entities; other packages hold borrowed views per request.
type Store interface {
	// Businesses
	PutBusiness(ctx context.Context, b *Business) error
	GetBusiness(ctx context.Context, businessID string) (*Business, error)
	GetBusinessByAPIKey(ctx context.Context, apiKey string) (*Business, error)
	// ConsumeQuota atomically charges n events against the month's
	// allowance, rolling the counter when the month changed. Returns the
	// new used count or ErrQuotaExceeded without incrementing.
	ConsumeQuota(ctx context.Context, businessID string, n int64, month string) (int64, error)
	AddPartner(ctx context.Context, businessID, partnerID string) error
	RemovePartner(ctx context.Context, businessID, partnerID string) error

	// Global users
	GetGlobalUser(ctx context.Context, globalUID string) (*GlobalUser, error)
	// LinkGlobalUser adds a (business, user) membership, creating the
	// global user if absent. Membership is append-only.
	LinkGlobalUser(ctx context.Context, globalUID, businessID, userID string) (*GlobalUser, error)

	// Users
	GetUser(ctx context.Context, businessID, userID string) (*User, error)
	SaveUser(ctx context.Context, u *User) error
	ListUsers(ctx context.Context, businessID string) ([]*User, error)

	// Events
	InsertEvents(ctx context.Context, events []*Event) ([]EventStatus, error)
	GetRecentEvents(ctx context.Context, businessID, userID string, limit int, window time.Duration) ([]*Event, error)

	// Variants
	GetOrInitVariant(ctx context.Context, key VariantKey, seedHTML string) (*VariantRecord, error)
	GetVariant(ctx context.Context, key VariantKey) (*VariantRecord, error)
	// UpdateVariantScore applies a compare-and-set on one slot: the write
	// succeeds only if the stored (score, trials) still equals prior.
	UpdateVariantScore(ctx context.Context, key VariantKey, slot string, prior SlotVersion, newScore float64, newTrials int) error
	// ReplaceVariantHTML archives the slot's current markup into history
	// and installs the new candidate at score zero.
	ReplaceVariantHTML(ctx context.Context, key VariantKey, slot string, newHTML string, archive HistoryEntry) error
	ListVariants(ctx context.Context, businessID string) ([]*VariantRecord, error)

	// Data-sharing agreements
	PutAgreement(ctx context.Context, a *Agreement) error
	GetAgreement(ctx context.Context, businessID, agreementID string) (*Agreement, error)
	ListAgreements(ctx context.Context, businessID string) ([]*Agreement, error)
}

// MonthKey formats t as the quota bucket identifier, e.g. "2026-08".
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// New creates a Store for the configured backend.
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "dynamodb":
		s, err := NewDynamoStore(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("initializing dynamodb storage: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

const (
	maxAttempts  = 3
	retryBaseDur = 50 * time.Millisecond
)

// withRetry runs fn up to maxAttempts times with exponential backoff and
// jitter. Only transient failures are retried; conflicts, quota and
// not-found pass straight through. Exhaustion maps to ErrUnavailable.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := retryBaseDur << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(backoff)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", op, ErrUnavailable)
			}
			log.Printf("[Store] retrying %s (attempt %d): %v", op, attempt+1, lastErr)
		}
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrQuotaExceeded) {
			return err
		}
		lastErr = err
	}
	log.Printf("[Store] %s exhausted retries: %v", op, lastErr)
	return fmt.Errorf("%s: %v: %w", op, lastErr, ErrUnavailable)
}
